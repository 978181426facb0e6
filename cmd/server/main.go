package main

import (
	"flag"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/aeolun/messageu/pkg/server"
)

var (
	// Version is set at build time via ldflags
	Version = "dev"
)

func main() {
	// Command line flags
	configPath := flag.String("config", "~/.messageu/server.toml", "Path to config file")
	port := flag.Int("port", 0, "TCP port to listen on (overrides config)")
	portFile := flag.String("port-file", "", "Read the TCP port from this file (overrides config)")
	dbPath := flag.String("db", "", "Path to the database (overrides config)")
	engine := flag.String("engine", "", "Storage engine: sqlite, badger or memory (overrides config)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	pprofAddr := flag.String("pprof", "", "Serve pprof on this address, e.g. localhost:6060")
	version := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *version {
		fmt.Printf("MessageU Server %s\n", Version)
		os.Exit(0)
	}

	// Load configuration (creates default if not found)
	tomlConfig, err := server.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *portFile != "" {
		tomlConfig.Server.PortFile = *portFile
	}

	// A missing or unreadable port file stops us before any socket is bound.
	cfg, err := tomlConfig.ToServerConfig()
	if err != nil {
		log.Fatalf("Failed to resolve config: %v", err)
	}

	// Command-line flags override config file
	if *port != 0 {
		cfg.TCPPort = *port
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	if *engine != "" {
		cfg.Engine = *engine
	}
	if *debug {
		cfg.LogLevel = "debug"
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	logFile, err := server.SetupLogging(cfg)
	if err != nil {
		log.Fatalf("Failed to set up logging: %v", err)
	}
	defer logFile.Close()

	st, err := server.OpenStore(cfg)
	if err != nil {
		log.Fatalf("Failed to open %s store: %v", cfg.Engine, err)
	}

	srv := server.NewServer(cfg, st)
	if err := srv.Start(); err != nil {
		st.Close()
		log.Fatalf("Failed to start server: %v", err)
	}

	log.WithFields(log.Fields{
		"version": Version,
		"config":  *configPath,
		"engine":  cfg.Engine,
		"db":      cfg.DBPath,
		"lock":    cfg.Lock,
	}).Info("MessageU server started")
	log.Infof("  - Binary Protocol (TCP): %s", srv.Addr())
	if addr := srv.HTTPAddr(); addr != nil {
		log.Infof("  - WebSocket: ws://%s/ws", addr)
		log.Infof("  - Metrics: http://%s/metrics", addr)
	}

	if *pprofAddr != "" {
		go func() {
			log.Infof("Starting pprof server on http://%s", *pprofAddr)
			if err := http.ListenAndServe(*pprofAddr, nil); err != nil {
				log.Warnf("pprof server error: %v", err)
			}
		}()
	}

	// Wait for an interrupt or for the accept loop to give up
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	exitCode := 0
	select {
	case <-sigChan:
		log.Info("Shutting down server...")
	case err := <-srv.Err():
		log.WithError(err).Error("Accept loop stopped, shutting down")
		exitCode = 1
	}

	if err := srv.Stop(); err != nil {
		log.Errorf("Error during shutdown: %v", err)
		exitCode = 1
	}
	if exitCode != 0 {
		logFile.Close()
		os.Exit(exitCode)
	}
}
