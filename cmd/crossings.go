package cmd

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/andresmejia3/footfall/internal/store"
	"github.com/andresmejia3/footfall/internal/utils"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var crossingsCmd = &cobra.Command{
	Use:   "crossings <run_id>",
	Short: "Show every counted crossing of a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		runID, err := uuid.Parse(args[0])
		if err != nil {
			utils.ShowError("Invalid run ID", err, nil)
			return err
		}

		crossings, err := DB.GetRunCrossings(cmd.Context(), runID)
		if err != nil {
			utils.ShowError("Failed to load crossings", err, nil)
			return err
		}
		printCrossings(os.Stdout, crossings)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(crossingsCmd)
}

func printCrossings(out io.Writer, crossings []store.CrossingRecord) {
	if len(crossings) == 0 {
		fmt.Fprintln(out, "No crossings recorded for this run.")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tDIRECTION\tFRAME\tTIME\tCENTROID")
	fmt.Fprintln(w, "--\t---------\t-----\t----\t--------")
	for _, c := range crossings {
		fmt.Fprintf(w, "%d\t%s\t%d\t%s\t(%d, %d)\n",
			c.IdentityID, c.Direction, c.FrameIndex, fmtTime(c.AtSeconds), c.CentroidX, c.CentroidY)
	}
	w.Flush()
}

func fmtTime(seconds float64) string {
	duration := time.Duration(seconds * float64(time.Second))
	h := int(duration.Hours())
	m := int(duration.Minutes()) % 60
	sec := int(duration.Seconds()) % 60
	ms := int(duration.Milliseconds()) % 1000
	return fmt.Sprintf("%02d:%02d:%02d.%03d", h, m, sec, ms)
}
