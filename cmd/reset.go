package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/andresmejia3/footfall/internal/utils"
	"github.com/spf13/cobra"
)

var (
	resetDatabase bool
	resetFiles    bool
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset system state (Database, Recordings)",
	Long:  "Clears all data. By default, it resets everything. Use flags to clear specific components.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		// If no flags are set, default to clearing EVERYTHING
		if !resetDatabase && !resetFiles {
			resetDatabase = true
			resetFiles = true
		}

		reader := bufio.NewReader(cmd.InOrStdin())

		if resetDatabase {
			if confirm(reader, cmd.OutOrStdout(), "⚠️  Are you sure you want to DROP all database tables?") {
				fmt.Println("🗑️  Clearing Database...")
				if err := DB.Reset(cmd.Context()); err != nil {
					utils.ShowError("Failed to reset database", err, nil)
					return err
				}
			}
		}

		if resetFiles {
			if confirm(reader, cmd.OutOrStdout(), fmt.Sprintf("⚠️  Are you sure you want to delete everything in %s?", dataDir)) {
				fmt.Println("🗑️  Clearing Recordings and Logs...")
				removeDir(dataDir)
			}
		}

		fmt.Println("✨ System Reset Complete.")
		return nil
	},
}

func init() {
	resetCmd.Flags().BoolVar(&resetDatabase, "database", false, "Clear PostgreSQL database (connection from --db)")
	resetCmd.Flags().BoolVar(&resetFiles, "files", false, "Clear --data-dir (recordings, log files)")
	rootCmd.AddCommand(resetCmd)
}

func confirm(r *bufio.Reader, w io.Writer, prompt string) bool {
	fmt.Fprintf(w, "%s [y/N]: ", prompt)
	res, _ := r.ReadString('\n')
	res = strings.TrimSpace(strings.ToLower(res))
	return res == "y" || res == "yes"
}

func removeDir(path string) {
	if err := os.RemoveAll(path); err != nil {
		fmt.Fprintf(os.Stderr, "⚠️  Failed to remove %s: %v\n", path, err)
	}
}
