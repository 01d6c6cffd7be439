package cmd

import (
	"fmt"

	"github.com/andresmejia3/footfall/internal/utils"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var labelCmd = &cobra.Command{
	Use:   "label <run_id> <name>",
	Short: "Assign a name to a counting run",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		runID, err := uuid.Parse(args[0])
		if err != nil {
			utils.ShowError("Invalid run ID", err, nil)
			return err
		}
		name := args[1]

		if err := DB.LabelRun(cmd.Context(), runID, name); err != nil {
			utils.ShowError("Failed to label run", err, nil)
			return err
		}

		fmt.Printf("✅ Run %s labeled as '%s'\n", runID, name)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(labelCmd)
}
