package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/gameocoder/attendance/internal/attendance"
	"github.com/gameocoder/attendance/internal/config"
	"github.com/gameocoder/attendance/internal/ledger"
	"github.com/gameocoder/attendance/internal/queue"
	"github.com/gameocoder/attendance/internal/syncer"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and drain the edge device's durable queue",
}

var queueStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue depth by state",
	RunE:  runQueueStatus,
}

var queueDrainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Drain pending envelopes to the central ledger",
	Long: `Transmits every pending envelope to the central ledger in sequence
order and exits. Useful after a long offline stretch, or from cron on
devices that do not run a resident edge process.`,
	RunE: runQueueDrain,
}

var queueFailedCmd = &cobra.Command{
	Use:   "failed",
	Short: "List envelopes the ledger rejected",
	RunE:  runQueueFailed,
}

func init() {
	rootCmd.AddCommand(queueCmd)
	queueCmd.AddCommand(queueStatusCmd)
	queueCmd.AddCommand(queueDrainCmd)
	queueCmd.AddCommand(queueFailedCmd)

	queueStatusCmd.Flags().Bool("json", false, "Output as JSON")
	queueDrainCmd.Flags().Int("batch-size", 64, "Envelopes per sync request")
}

func outputJSON(data any) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(data); err != nil {
		return fmt.Errorf("encoding JSON output: %w", err)
	}
	return nil
}

// openQueue opens the local queue from configuration.
func openQueue() (*queue.Queue, *config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	q, err := queue.Open(cfg.Queue.Path, cfg.Device.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open queue %s: %w", cfg.Queue.Path, err)
	}
	return q, cfg, nil
}

// QueueStatusResult is the machine-readable form of `queue status`.
type QueueStatusResult struct {
	Path         string `json:"path"`
	DeviceID     string `json:"device_id"`
	Pending      int    `json:"pending"`
	InFlight     int    `json:"in_flight"`
	Acknowledged int    `json:"acknowledged"`
	Failed       int    `json:"failed"`
}

func runQueueStatus(cmd *cobra.Command, args []string) error {
	q, cfg, err := openQueue()
	if err != nil {
		return err
	}
	defer q.Close()

	stats, err := q.Stats(context.Background())
	if err != nil {
		return fmt.Errorf("failed to read queue stats: %w", err)
	}

	if mustGetBool(cmd, "json") {
		return outputJSON(QueueStatusResult{
			Path:         cfg.Queue.Path,
			DeviceID:     cfg.Device.ID,
			Pending:      stats[attendance.SyncPending],
			InFlight:     stats[attendance.SyncInFlight],
			Acknowledged: stats[attendance.SyncAcknowledged],
			Failed:       stats[attendance.SyncFailed],
		})
	}

	fmt.Printf("Queue: %s (device %s)\n", cfg.Queue.Path, cfg.Device.ID)
	for _, state := range []attendance.SyncState{
		attendance.SyncPending,
		attendance.SyncInFlight,
		attendance.SyncAcknowledged,
		attendance.SyncFailed,
	} {
		fmt.Printf("  %-13s %d\n", state, stats[state])
	}
	return nil
}

func runQueueDrain(cmd *cobra.Command, args []string) error {
	q, cfg, err := openQueue()
	if err != nil {
		return err
	}
	defer q.Close()

	if cfg.Ledger.APIURL == "" {
		return errors.New("LEDGER_API_URL environment variable is required")
	}
	client, err := ledger.NewClient(cfg.Ledger.APIURL, cfg.Ledger.Timeout)
	if err != nil {
		return err
	}

	ctx := context.Background()
	stats, err := q.Stats(ctx)
	if err != nil {
		return fmt.Errorf("failed to read queue stats: %w", err)
	}
	total := stats[attendance.SyncPending] + stats[attendance.SyncInFlight]
	if total == 0 {
		fmt.Println("Queue is empty, nothing to drain")
		return nil
	}

	bar := progressbar.NewOptions(total,
		progressbar.OptionSetDescription("Draining queue"),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("envelopes"),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionFullWidth(),
	)

	engine := syncer.New(q, client, cfg.Policy.Backoff, cfg.Ledger.Timeout,
		syncer.WithBatchSize(mustGetInt(cmd, "batch-size")),
		syncer.WithProgress(func(settled int) { _ = bar.Set(settled) }),
	)

	settled, err := engine.DrainOnce(ctx)
	_ = bar.Finish()
	fmt.Println()
	if err != nil {
		return fmt.Errorf("drain stopped after %d envelope(s): %w", settled, err)
	}
	fmt.Printf("Drained %d envelope(s)\n", settled)
	return nil
}

func runQueueFailed(cmd *cobra.Command, args []string) error {
	q, _, err := openQueue()
	if err != nil {
		return err
	}
	defer q.Close()

	failed, err := q.Failed(context.Background())
	if err != nil {
		return fmt.Errorf("failed to list rejected envelopes: %w", err)
	}
	if len(failed) == 0 {
		fmt.Println("No rejected envelopes")
		return nil
	}
	for _, env := range failed {
		target := "event"
		if env.Decision != nil {
			target = fmt.Sprintf("%s %s/%s", env.Decision.Method, env.Decision.StudentID, env.Decision.SessionID)
		} else if env.Event != nil {
			target = fmt.Sprintf("event %s %s/%s", env.Event.Method, env.Event.StudentID, env.Event.SessionID)
		}
		fmt.Printf("seq=%d attempts=%d created=%s  %s\n    %s\n",
			env.Seq, env.Attempts, env.CreatedAt.Format(time.RFC3339), target, env.LastError)
	}
	return nil
}
