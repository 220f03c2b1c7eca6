package cmd

import (
	"github.com/spf13/cobra"
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Manage aggregate snapshots",
}

var snapshotForceCmd = &cobra.Command{
	Use:   "force <aggregate-id>",
	Short: "Write a snapshot now, regardless of the interval policy",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime(cmd.Context())
		if err != nil {
			return err
		}
		defer rt.close()

		seq, err := rt.repo.ForceSnapshot(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return emit(map[string]any{"aggregate_id": args[0], "sequence": seq}, func() {
			tableRow("AGGREGATE", args[0])
			tableRow("SEQUENCE", seq)
		})
	},
}

func init() {
	snapshotCmd.AddCommand(snapshotForceCmd)
	rootCmd.AddCommand(snapshotCmd)
}
