package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/aeolun/messageu/pkg/client"
)

var (
	// Version is set at build time via ldflags
	Version = "dev"

	serverInfoFile = "server.info"

	relay    *client.Client
	identity client.Identity

	rootCmd = &cobra.Command{
		Use:           "messageu",
		Short:         "MessageU relay client",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		Long: `MessageU client

Registers with a MessageU relay, lists other clients, fetches public keys,
deposits messages and polls for messages addressed to you. Every command
opens one connection and sends one request.`,
		PersistentPreRunE: setupClient,
	}
)

func init() {
	rootCmd.PersistentFlags().String("server", "", "relay address: host:port, ws://host:port or wss://host (default: contents of server.info, else 127.0.0.1:1357)")
	rootCmd.PersistentFlags().String("identity", client.IdentityFile, "file holding the registered username and client id")
	rootCmd.PersistentFlags().Duration("timeout", 30*time.Second, "time limit for each request")
	rootCmd.PersistentFlags().Bool("debug", false, "log every request and response")

	rootCmd.AddCommand(registerCmd, listCmd, keyCmd, sendCmd, pollCmd)
}

// serverAddress picks the --server flag, then the server.info file, then
// the local default.
func serverAddress(cmd *cobra.Command) (string, error) {
	if addr, _ := cmd.Flags().GetString("server"); addr != "" {
		return addr, nil
	}
	data, err := os.ReadFile(serverInfoFile)
	if os.IsNotExist(err) {
		return "127.0.0.1:1357", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", serverInfoFile, err)
	}
	addr := strings.TrimSpace(strings.SplitN(string(data), "\n", 2)[0])
	if addr == "" {
		return "", fmt.Errorf("%s is empty", serverInfoFile)
	}
	return addr, nil
}

func setupClient(cmd *cobra.Command, _ []string) error {
	addr, err := serverAddress(cmd)
	if err != nil {
		return err
	}
	timeout, _ := cmd.Flags().GetDuration("timeout")
	opts := []client.Option{client.WithTimeout(timeout)}

	if debug, _ := cmd.Flags().GetBool("debug"); debug {
		log.SetLevel(log.DebugLevel)
		opts = append(opts, client.WithLogger(log.WithField("server", addr)))
	}

	// Register is the only command that runs without an identity.
	path, _ := cmd.Flags().GetString("identity")
	identity, err = client.LoadIdentity(path)
	switch {
	case err == nil:
		opts = append(opts, client.WithClientID(identity.ID))
	case cmd != registerCmd:
		return err
	}

	relay, err = client.New(addr, opts...)
	return err
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
