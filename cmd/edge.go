package cmd

import (
	"context"
	"errors"
	"fmt"
	"log"
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
	"github.com/gameocoder/attendance/internal/queue"
	"github.com/gameocoder/attendance/internal/syncer"
	"github.com/gameocoder/attendance/internal/web"
)

var edgeCmd = &cobra.Command{
	Use:   "edge",
	Short: "Run the classroom edge device",
	Long: `Run the offline-first classroom device.
Scanners and cameras post raw detections to the local API; confirmed
decisions land in a durable SQLite queue and the sync engine drains
them to the central ledger whenever connectivity allows. Nothing is
lost while the network is down.`,
	RunE: runEdge,
}

func init() {
	rootCmd.AddCommand(edgeCmd)

	edgeCmd.Flags().Int("port", 0, "Port for the local ingest API (overrides SERVER_PORT)")
	edgeCmd.Flags().String("host", "", "Host to bind to (overrides SERVER_HOST)")
}

// attachActiveSessions asks the central API for open windows and
// registers them with the aggregator. Failing is fine when the device
// boots offline; sessions can still be opened through the local API.
func attachActiveSessions(ctx context.Context, client *ledger.Client, agg *aggregator.Aggregator) {
	fetchCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	sessions, err := client.ActiveSessions(fetchCtx)
	if err != nil {
		log.Printf("edge: could not fetch active sessions, starting detached: %v", err)
		return
	}
	for _, window := range sessions {
		if err := agg.OpenSession(window); err != nil {
			log.Printf("edge: reattach session %s: %v", window.SessionID, err)
		}
	}
	log.Printf("edge: attached to %d active session(s)", len(sessions))
}

// logSessionStats logs per-session counters once per sampling tick so
// a glance at the device log shows whether detections are flowing.
func logSessionStats(ctx context.Context, agg *aggregator.Aggregator, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, window := range agg.ActiveSessions() {
				if stats := agg.Snapshot(window.SessionID); stats != nil {
					log.Printf("edge: session %s: %d students seen, %d detections, %d confirmed",
						stats.SessionID, stats.UniqueStudents, stats.TotalDetections, stats.Confirmed)
				}
			}
		}
	}
}

func runEdge(cmd *cobra.Command, args []string) error {
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
	if cfg.Ledger.APIURL == "" {
		return errors.New("LEDGER_API_URL environment variable is required")
	}

	client, err := ledger.NewClient(cfg.Ledger.APIURL, cfg.Ledger.Timeout)
	if err != nil {
		return err
	}

	q, err := queue.Open(cfg.Queue.Path, cfg.Device.ID)
	if err != nil {
		return fmt.Errorf("failed to open local queue: %w", err)
	}
	defer q.Close()
	fmt.Printf("Durable queue at %s (device %s)\n", cfg.Queue.Path, cfg.Device.ID)

	rosterProvider, closeRoster, err := buildRoster(cfg)
	if err != nil {
		return err
	}
	defer closeRoster()

	// Edge path: confirmed decisions go to the queue, never directly to
	// the network. The sync engine owns all communication with central.
	agg := aggregator.New(cfg.Policy, rosterProvider, aggregator.SinkFunc(
		func(ctx context.Context, d *attendance.AttendanceDecision) error {
			_, err := q.EnqueueDecision(ctx, d)
			return err
		}))
	agg.SetAudit(func(ctx context.Context, ev *attendance.DetectionEvent) {
		if _, err := q.EnqueueEvent(ctx, ev); err != nil {
			log.Printf("edge: journal event %s: %v", ev.ID, err)
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	attachActiveSessions(ctx, client, agg)

	engine := syncer.New(q, client, cfg.Policy.Backoff, cfg.Ledger.Timeout)
	go engine.Run(ctx)
	go logSessionStats(ctx, agg, cfg.Policy.Face.SampleInterval.Std())

	// The local API reuses the central routes; ledger calls proxy
	// through to central and only work while online, ingest and stats
	// are fully local.
	server := web.NewServer(cfg, client, agg,
		adapter.NewRFID(rosterProvider),
		adapter.NewFace(cfg.Policy.Face),
		adapter.NewZoom(rosterProvider),
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		fmt.Println("\nShutting down...")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			fmt.Printf("Error during shutdown: %v\n", err)
		}
	}()

	fmt.Printf("Starting edge ingest API on http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println("Press Ctrl+C to stop")

	if err := server.Start(); err != nil {
		return fmt.Errorf("starting server: %w", err)
	}
	return nil
}
