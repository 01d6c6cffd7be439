package cmd

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/andresmejia3/footfall/internal/store"
	"github.com/andresmejia3/footfall/internal/utils"
	"github.com/spf13/cobra"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List all counting runs in the database",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		runs, err := DB.ListRuns(cmd.Context())
		if err != nil {
			utils.ShowError("Failed to list runs", err, nil)
			return err
		}
		printRuns(os.Stdout, runs)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(runsCmd)
}

func printRuns(out io.Writer, runs []store.Run) {
	if len(runs) == 0 {
		fmt.Fprintln(out, "No runs found in database.")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "RUN\tLABEL\tVIDEO\tENTRIES\tEXITS\tINSIDE\tFRAMES\tSTARTED")
	fmt.Fprintln(w, "---\t-----\t-----\t-------\t-----\t------\t------\t-------")

	for _, r := range runs {
		video := "replay"
		if len(r.VideoID) >= 12 {
			video = r.VideoID[:12]
		} else if r.VideoID != "" {
			video = r.VideoID
		}
		frames := fmt.Sprint(r.Frames)
		if r.FinishedAt == nil {
			frames = "running"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%s\t%s\n",
			r.ID, r.Label, video, r.Entries, r.Exits, r.Inside(), frames, r.StartedAt.Local().Format("2006-01-02 15:04"))
	}
	w.Flush()
}
