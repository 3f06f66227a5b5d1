package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/gameocoder/attendance/internal/adapter"
	"github.com/gameocoder/attendance/internal/aggregator"
	"github.com/gameocoder/attendance/internal/attendance"
	"github.com/gameocoder/attendance/internal/config"
	"github.com/gameocoder/attendance/internal/ledger"
	"github.com/gameocoder/attendance/internal/roster"
	"github.com/gameocoder/attendance/internal/web"
	"github.com/gameocoder/attendance/internal/web/handlers"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the central attendance API",
	Long: `Start the central attendance server.
It hosts the authoritative ledger, accepts raw detections on the online
ingest path, and answers sync drains from offline edge devices.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().Int("port", 0, "Port to listen on (overrides SERVER_PORT)")
	serveCmd.Flags().String("host", "", "Host to bind to (overrides SERVER_HOST)")
}

// buildRoster connects the school information system database, or falls
// back to an empty in-memory roster when no DSN is configured.
func buildRoster(cfg *config.Config) (roster.Provider, func(), error) {
	if cfg.Roster.DatabaseDSN == "" {
		fmt.Println("ROSTER_DATABASE_DSN not set, using empty in-memory roster")
		return roster.NewMemory(), func() {}, nil
	}
	pool, err := roster.NewPool(cfg.Roster.DatabaseDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect roster database: %w", err)
	}
	fmt.Println("Roster backed by school information system (MariaDB)")
	return pool, func() { _ = pool.Close() }, nil
}

// buildLedger opens the PostgreSQL store, or falls back to the
// in-memory store when no DATABASE_URL is configured.
func buildLedger(cfg *config.Config, priority *attendance.Priority) (ledger.Ledger, error) {
	if cfg.Ledger.DatabaseURL == "" {
		fmt.Println("DATABASE_URL not set, ledger is in-memory and will not survive restarts")
		return ledger.NewMemory(priority), nil
	}
	fmt.Println("Connecting to PostgreSQL ledger...")
	pg, err := ledger.NewPostgres(&cfg.Ledger, priority)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize PostgreSQL ledger: %w", err)
	}
	return pg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if port := mustGetInt(cmd, "port"); port != 0 {
		cfg.Server.Port = port
	}
	if host := mustGetString(cmd, "host"); host != "" {
		cfg.Server.Host = host
	}

	rosterProvider, closeRoster, err := buildRoster(cfg)
	if err != nil {
		return err
	}
	defer closeRoster()

	priority := attendance.NewPriority(cfg.Policy.Priority)
	store, err := buildLedger(cfg, priority)
	if err != nil {
		return err
	}

	// Online path: confirmed decisions go straight into the ledger.
	agg := aggregator.New(cfg.Policy, rosterProvider, aggregator.SinkFunc(
		func(ctx context.Context, d *attendance.AttendanceDecision) error {
			_, err := store.Apply(ctx, d)
			return err
		}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := handlers.ReopenActive(ctx, store, agg); err != nil {
		return fmt.Errorf("failed to reopen active sessions: %w", err)
	}

	server := web.NewServer(cfg, store, agg,
		adapter.NewRFID(rosterProvider),
		adapter.NewFace(cfg.Policy.Face),
		adapter.NewZoom(rosterProvider),
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		fmt.Println("\nShutting down...")

		shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 30*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			fmt.Printf("Error during shutdown: %v\n", err)
		}
	}()

	fmt.Printf("Starting attendance API on http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println("Press Ctrl+C to stop")

	if err := server.Start(); err != nil {
		return fmt.Errorf("starting server: %w", err)
	}
	return nil
}
