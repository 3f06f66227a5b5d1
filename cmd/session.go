package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/gameocoder/attendance/internal/attendance"
	"github.com/gameocoder/attendance/internal/config"
	"github.com/gameocoder/attendance/internal/ledger"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage session windows on the central ledger",
}

var sessionOpenCmd = &cobra.Command{
	Use:   "open [schedule-id]",
	Short: "Open a new session window",
	Long: `Opens a session window for a schedule on the central ledger.
Prints the generated session id; scanners and cameras stamp it on
every detection they submit.`,
	Args: cobra.ExactArgs(1),
	RunE: runSessionOpen,
}

var sessionCloseCmd = &cobra.Command{
	Use:   "close [session-id]",
	Short: "Close a session window",
	Long: `Closes a session window. Enrolled students with no confirmed
presence are marked absent; the window accepts no further detections.`,
	Args: cobra.ExactArgs(1),
	RunE: runSessionClose,
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List open session windows",
	RunE:  runSessionList,
}

func init() {
	rootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(sessionOpenCmd)
	sessionCmd.AddCommand(sessionCloseCmd)
	sessionCmd.AddCommand(sessionListCmd)

	sessionOpenCmd.Flags().String("session-id", "", "Session id to use instead of a generated one")
}

// ledgerClient builds the API client for session commands.
func ledgerClient() (*ledger.Client, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if cfg.Ledger.APIURL == "" {
		return nil, errors.New("LEDGER_API_URL environment variable is required")
	}
	return ledger.NewClient(cfg.Ledger.APIURL, cfg.Ledger.Timeout)
}

func runSessionOpen(cmd *cobra.Command, args []string) error {
	client, err := ledgerClient()
	if err != nil {
		return err
	}

	sessionID := mustGetString(cmd, "session-id")
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	window := attendance.SessionWindow{
		SessionID:  sessionID,
		ScheduleID: args[0],
		OpenedAt:   time.Now().UTC(),
	}
	if err := client.OpenSession(context.Background(), window); err != nil {
		return fmt.Errorf("failed to open session: %w", err)
	}

	fmt.Printf("Session opened\n")
	fmt.Printf("  Session:  %s\n", window.SessionID)
	fmt.Printf("  Schedule: %s\n", window.ScheduleID)
	fmt.Printf("  Opened:   %s\n", window.OpenedAt.Format(time.RFC3339))
	return nil
}

func runSessionClose(cmd *cobra.Command, args []string) error {
	client, err := ledgerClient()
	if err != nil {
		return err
	}

	closedAt := time.Now().UTC()
	if err := client.CloseSession(context.Background(), args[0], closedAt); err != nil {
		return fmt.Errorf("failed to close session: %w", err)
	}

	rows, err := client.Rows(context.Background(), args[0])
	if err != nil {
		return fmt.Errorf("session closed but could not fetch attendance: %w", err)
	}

	present := 0
	for _, row := range rows {
		if row.Status == attendance.StatusPresent {
			present++
		}
	}
	fmt.Printf("Session %s closed at %s\n", args[0], closedAt.Format(time.RFC3339))
	fmt.Printf("  Present: %d\n", present)
	fmt.Printf("  Absent:  %d\n", len(rows)-present)
	return nil
}

func runSessionList(cmd *cobra.Command, args []string) error {
	client, err := ledgerClient()
	if err != nil {
		return err
	}

	sessions, err := client.ActiveSessions(context.Background())
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}
	if len(sessions) == 0 {
		fmt.Println("No open sessions")
		return nil
	}
	for _, w := range sessions {
		fmt.Printf("%s  schedule=%s  opened=%s\n",
			w.SessionID, w.ScheduleID, w.OpenedAt.Format(time.RFC3339))
	}
	return nil
}
