package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gluk-w/webterm/internal/config"
	"github.com/gluk-w/webterm/internal/database"
	"github.com/gluk-w/webterm/internal/devices"
	"github.com/gluk-w/webterm/internal/handlers"
	"github.com/gluk-w/webterm/internal/logging"
	"github.com/gluk-w/webterm/internal/sshaudit"
	"github.com/gluk-w/webterm/internal/sshkeys"
	"github.com/gluk-w/webterm/internal/sshterminal"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/crypto/ssh"
)

func main() {
	// Handle CLI commands before starting the server
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "--import-devices":
			runImportDevices()
			return
		case "--add-device":
			runAddDevice()
			return
		}
	}

	config.Load()
	logging.Init()
	defer logging.Close()

	if err := database.Init(); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()

	auditor, err := sshaudit.InitGlobal(database.DB, config.Cfg.AuditRetentionDays)
	if err != nil {
		log.Fatalf("Audit init: %v", err)
	}
	purgeCron, err := sshaudit.StartPurgeSchedule(auditor, config.Cfg.AuditPurgeSchedule)
	if err != nil {
		log.Fatalf("Audit purge schedule: %v", err)
	}

	hostKeyCallback, err := newHostKeyCallback()
	if err != nil {
		log.Fatalf("Host key policy: %v", err)
	}

	timeouts := config.Cfg.Timeouts()
	handlers.TermConfig = sshterminal.ManagerConfig{
		ConnOptions: sshterminal.ConnOptions{
			ConnectTimeout:  timeouts.Connect,
			ReceiveTimeout:  timeouts.Receive,
			HostKeyCallback: hostKeyCallback,
		},
		PollInterval:        timeouts.Poll,
		UploadDir:           config.Cfg.UploadDir,
		RecordingEnabled:    config.Cfg.RecordingEnabled,
		RecordingMaxEntries: config.Cfg.RecordingMaxEntries,
	}
	handlers.ResolveDevice = devices.Resolve
	log.Printf("Terminal gateway configured (connect=%s, receive=%s, poll=%s, upload_dir=%s, recording=%v)",
		timeouts.Connect, timeouts.Receive, timeouts.Poll, config.Cfg.UploadDir, config.Cfg.RecordingEnabled)

	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	r.Get("/health", handlers.HealthCheck)
	r.Get("/ws/terminal", handlers.TerminalWS)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/sessions", handlers.ListSessions)
		r.Get("/sessions/{sessionId}/recording", handlers.GetSessionRecording)

		r.Get("/audit-logs", handlers.GetAuditLogs)
		r.Post("/audit-logs/purge", handlers.PurgeAuditLogs)

		r.Get("/server-logs", handlers.GetServerLogs)
		r.Delete("/server-logs", handlers.ClearServerLogs)
	})

	// Graceful shutdown
	srv := &http.Server{
		Addr:    config.Cfg.ListenAddr,
		Handler: r,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("Server starting on %s", config.Cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	<-purgeCron.Stop().Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
	log.Println("Server stopped")
}

func newHostKeyCallback() (ssh.HostKeyCallback, error) {
	policy, err := sshkeys.ParsePolicy(config.Cfg.HostKeyPolicy)
	if err != nil {
		return nil, err
	}
	knownHosts := config.Cfg.KnownHostsPath
	if knownHosts == "" {
		knownHosts = filepath.Join(config.Cfg.DataPath, "known_hosts")
	}
	cb, err := sshkeys.NewHostKeyCallback(sshkeys.Options{
		Policy:         policy,
		KnownHostsPath: knownHosts,
		Fingerprints:   config.Cfg.PinnedHostKeys,
	})
	if err != nil {
		return nil, err
	}
	log.Printf("SSH host key policy: %s", policy)
	return cb, nil
}

func openDatabase() {
	config.Load()
	if err := database.Init(); err != nil {
		log.Fatalf("Database init: %v", err)
	}
}

func runImportDevices() {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "Usage: webterm --import-devices <devices.yaml>")
		os.Exit(1)
	}
	path := os.Args[2]

	openDatabase()
	defer database.Close()

	n, err := devices.ImportFile(path)
	if err != nil {
		log.Fatalf("Import failed after %d devices: %v", n, err)
	}
	fmt.Printf("Imported %d devices from %s.\n", n, path)
}

func runAddDevice() {
	fs := flag.NewFlagSet("add-device", flag.ExitOnError)
	spec := devices.Spec{}
	fs.StringVar(&spec.Name, "name", "", "Device name")
	fs.StringVar(&spec.Protocol, "protocol", "ssh", "ssh or telnet")
	fs.StringVar(&spec.Host, "host", "", "Host name or address")
	fs.IntVar(&spec.Port, "port", 0, "Port (defaults to 22 for ssh, 23 for telnet)")
	fs.StringVar(&spec.Username, "username", "", "Login user")
	fs.StringVar(&spec.Password, "password", "", "Login password")
	fs.StringVar(&spec.Description, "description", "", "Free-form description")
	fs.Parse(os.Args[2:])

	if spec.Name == "" || spec.Host == "" {
		fmt.Fprintln(os.Stderr, "Usage: webterm --add-device --name <name> --host <host> [--protocol ssh|telnet] [--port N] [--username U] [--password P]")
		os.Exit(1)
	}

	openDatabase()
	defer database.Close()

	d, err := devices.Add(spec)
	if err != nil {
		log.Fatalf("Failed to add device: %v", err)
	}
	fmt.Printf("Device '%s' saved with id %d.\n", d.Name, d.ID)
}
