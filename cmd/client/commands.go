package main

import (
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aeolun/messageu/pkg/client"
	"github.com/aeolun/messageu/pkg/protocol"
)

var (
	registerCmd = &cobra.Command{
		Use:   "register [username]",
		Short: "Register a username and public key with the relay",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("identity")
			if identity.Username != "" {
				return fmt.Errorf("already registered as %s (%s)", identity.Username, path)
			}

			key, err := loadPublicKey(cmd)
			if err != nil {
				return err
			}
			id, err := relay.Register(cmd.Context(), args[0], key)
			if err != nil {
				return err
			}

			if err := (client.Identity{Username: args[0], ID: id}).Save(path); err != nil {
				return fmt.Errorf("registered as %s but failed to save %s: %w", id, path, err)
			}
			fmt.Printf("registered %s\n  id:          %s\n  fingerprint: %s\n", args[0], id, key.Fingerprint())
			return nil
		},
	}

	listCmd = &cobra.Command{
		Use:   "list",
		Short: "List the other registered clients",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := relay.ListClients(cmd.Context())
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Println("no other clients registered")
				return nil
			}
			for _, e := range entries {
				fmt.Printf("%s  %s\n", e.ClientID, e.Username)
			}
			return nil
		},
	}

	keyCmd = &cobra.Command{
		Use:   "key [client-id|username]",
		Short: "Fetch a client's public key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := resolveClient(cmd, args[0])
			if err != nil {
				return err
			}
			key, err := relay.PublicKey(cmd.Context(), id)
			if err != nil {
				return err
			}

			if out, _ := cmd.Flags().GetString("out"); out != "" {
				if err := os.WriteFile(out, key[:], 0644); err != nil {
					return err
				}
			}
			fmt.Printf("%s  fingerprint %s\n", id, key.Fingerprint())
			return nil
		},
	}

	sendCmd = &cobra.Command{
		Use:   "send [client-id|username]",
		Short: "Deposit a message for another client",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text, _ := cmd.Flags().GetString("text")
			file, _ := cmd.Flags().GetString("file")
			typ, _ := cmd.Flags().GetUint8("type")
			if (text == "") == (file == "") {
				return fmt.Errorf("give exactly one of --text or --file")
			}

			to, err := resolveClient(cmd, args[0])
			if err != nil {
				return err
			}

			var id protocol.MessageID
			if text != "" {
				if typ == 0 {
					typ = uint8(protocol.MessageTypeText)
				}
				id, err = relay.Send(cmd.Context(), to, protocol.MessageType(typ), strings.NewReader(text), uint32(len(text)))
			} else {
				if typ == 0 {
					typ = uint8(protocol.MessageTypeFile)
				}
				id, err = sendFile(cmd, to, protocol.MessageType(typ), file)
			}
			if err != nil {
				return err
			}
			fmt.Printf("message %d stored for %s\n", id, to)
			return nil
		},
	}

	pollCmd = &cobra.Command{
		Use:   "poll",
		Short: "Fetch the messages waiting for you",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			messages, err := relay.Poll(cmd.Context())
			if err != nil {
				return err
			}
			if len(messages) == 0 {
				fmt.Println("no pending messages")
				return nil
			}

			outDir, _ := cmd.Flags().GetString("out")
			for _, m := range messages {
				fmt.Printf("From: %s\nMessage %d (%s, %d bytes)\n", m.Sender, m.ID, m.Type, len(m.Content))
				switch m.Type {
				case protocol.MessageTypeFile:
					path, err := saveFile(outDir, m)
					if err != nil {
						return err
					}
					fmt.Printf("saved to %s\n", path)
				case protocol.MessageTypeKeyRequest:
					fmt.Println("Request for symmetric key")
				default:
					fmt.Printf("%s\n", m.Content)
				}
				fmt.Println("-----<EOM>-----")
			}
			return nil
		},
	}
)

func init() {
	registerCmd.Flags().String("public-key", "", "file with up to 160 bytes of public key material (default: random)")
	keyCmd.Flags().String("out", "", "also write the raw key to this file")
	sendCmd.Flags().String("text", "", "text content")
	sendCmd.Flags().String("file", "", "send the contents of this file")
	sendCmd.Flags().Uint8("type", 0, "message type 1-4 (default: 3 for text, 4 for files)")
	pollCmd.Flags().String("out", ".", "directory for received files")
}

func loadPublicKey(cmd *cobra.Command) (protocol.PublicKey, error) {
	var key protocol.PublicKey
	path, _ := cmd.Flags().GetString("public-key")
	if path == "" {
		_, err := rand.Read(key[:])
		return key, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return key, err
	}
	if len(data) > protocol.PublicKeySize {
		return key, fmt.Errorf("%s holds %d bytes, a public key is at most %d", path, len(data), protocol.PublicKeySize)
	}
	copy(key[:], data)
	return key, nil
}

// resolveClient accepts a hex client id or a username known to the relay.
func resolveClient(cmd *cobra.Command, arg string) (protocol.ClientID, error) {
	if id, err := protocol.ParseClientID(arg); err == nil {
		return id, nil
	}

	entries, err := relay.ListClients(cmd.Context())
	if err != nil {
		return protocol.ClientID{}, err
	}
	for _, e := range entries {
		if e.Username.String() == arg {
			return e.ClientID, nil
		}
	}
	return protocol.ClientID{}, fmt.Errorf("no client named %q", arg)
}

func sendFile(cmd *cobra.Command, to protocol.ClientID, typ protocol.MessageType, path string) (protocol.MessageID, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	if uint64(info.Size())+protocol.SendMessageHeaderSize >= protocol.MaxPayloadSize {
		return 0, fmt.Errorf("%s is too large for one message", path)
	}
	return relay.Send(cmd.Context(), to, typ, f, uint32(info.Size()))
}

func saveFile(dir string, m client.Message) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, fmt.Sprintf("%s-%d.bin", m.Sender.String()[:8], m.ID))
	return path, os.WriteFile(path, m.Content, 0644)
}
