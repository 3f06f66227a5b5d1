package cmd

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "attendance",
	Short: "Multi-source attendance reconciliation and sync",
	Long: `Attendance reconciles RFID card scans, camera face detections and
Zoom participant lists into a single deduplicated attendance ledger.
It runs in two roles: "serve" hosts the central ledger API, "edge"
runs the offline-first classroom device with a durable local queue.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
}

func initConfig() {
	// .env file is optional, don't fail if not found
	_ = godotenv.Load()
}
