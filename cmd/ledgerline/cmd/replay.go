package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ledgerline-systems/ledgerline/internal/replay"
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Rebuild read models with shadow replays",
	Long: `Rebuild a projection's read model without downtime.

A replay runs the projection from position zero into a fresh shadow
namespace while the live model keeps serving reads. Once the shadow has
caught up and held low lag for the configured window, 'replay cutover'
switches reads atomically; the old model stays available for rollback
during the grace period.`,
}

var replayStartCmd = &cobra.Command{
	Use:   "start <projection>",
	Short: "Start a shadow replay and run it until interrupted",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		rt, err := newRuntime(ctx)
		if err != nil {
			return err
		}
		defer rt.close()

		proj, err := rt.projectionByName(args[0])
		if err != nil {
			return err
		}
		rec, err := rt.coordinator.StartReplay(ctx, proj)
		if err != nil {
			return err
		}
		if err := emit(rec, func() {
			tableRow("REPLAY ID", rec.ID)
			tableRow("PROJECTION", rec.Projection)
			tableRow("NAMESPACE", rec.Namespace)
			tableRow("STATUS", rec.Status)
		}); err != nil {
			return err
		}
		// Blocks until cutover, cancellation or a signal.
		return rt.coordinator.Run(ctx, rec.ID, proj)
	},
}

var replayStatusCmd = &cobra.Command{
	Use:   "status <replay-id>",
	Short: "Show replay progress and lag",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime(cmd.Context())
		if err != nil {
			return err
		}
		defer rt.close()

		rec, err := rt.registry.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		var lag replay.Lag
		if rec.Status == replay.StatusRunning {
			if lag, err = rt.coordinator.GetLag(cmd.Context(), args[0]); err != nil {
				return err
			}
		}

		type status struct {
			Replay replay.Replay `json:"replay" yaml:"replay"`
			Lag    replay.Lag    `json:"lag" yaml:"lag"`
		}
		return emit(status{Replay: rec, Lag: lag}, func() {
			tableRow("REPLAY ID", rec.ID)
			tableRow("PROJECTION", rec.Projection)
			tableRow("NAMESPACE", rec.Namespace)
			tableRow("STATUS", rec.Status)
			tableRow("STARTED", rec.StartedAt.Format(time.RFC3339))
			tableRow("POSITION", lag.Position)
			tableRow("HEAD", lag.Head)
			tableRow("LAG", lag.Lag)
			tableRow("STALLED", lag.Stalled)
		})
	},
}

var replayListCmd = &cobra.Command{
	Use:   "list [projection]",
	Short: "List replays",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime(cmd.Context())
		if err != nil {
			return err
		}
		defer rt.close()

		projName := ""
		if len(args) == 1 {
			projName = args[0]
		}
		recs, err := rt.registry.List(cmd.Context(), projName)
		if err != nil {
			return err
		}
		return emit(recs, func() {
			fmt.Printf("%-36s  %-16s  %-12s  %s\n", "ID", "PROJECTION", "STATUS", "STARTED")
			for _, r := range recs {
				fmt.Printf("%-36s  %-16s  %-12s  %s\n",
					r.ID, r.Projection, r.Status, r.StartedAt.Format(time.RFC3339))
			}
		})
	},
}

var replayCutoverCmd = &cobra.Command{
	Use:   "cutover <replay-id>",
	Short: "Switch reads to the rebuilt read model",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime(cmd.Context())
		if err != nil {
			return err
		}
		defer rt.close()

		rec, err := rt.coordinator.Cutover(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return emit(rec, func() {
			tableRow("PROJECTION", rec.Projection)
			tableRow("NAMESPACE", rec.Namespace)
			tableRow("RETIRED", rec.RetiredNamespace)
			tableRow("CUTOVER AT", rec.CutoverAt.Format(time.RFC3339))
		})
	},
}

var replayRollbackCmd = &cobra.Command{
	Use:   "rollback <projection>",
	Short: "Point reads back at the pre-cutover read model",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime(cmd.Context())
		if err != nil {
			return err
		}
		defer rt.close()

		previous, err := rt.router.Rollback(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return emit(map[string]string{"projection": args[0], "namespace": previous}, func() {
			tableRow("PROJECTION", args[0])
			tableRow("NAMESPACE", previous)
		})
	},
}

var replayCancelCmd = &cobra.Command{
	Use:   "cancel <replay-id>",
	Short: "Abandon a replay and drop its shadow namespace",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime(cmd.Context())
		if err != nil {
			return err
		}
		defer rt.close()
		return rt.coordinator.Cancel(cmd.Context(), args[0])
	},
}

var replayCleanupCmd = &cobra.Command{
	Use:   "cleanup <replay-id>",
	Short: "Drop the retired read model after the grace period",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime(cmd.Context())
		if err != nil {
			return err
		}
		defer rt.close()
		return rt.coordinator.Cleanup(cmd.Context(), args[0])
	},
}

func init() {
	replayCmd.AddCommand(replayStartCmd, replayStatusCmd, replayListCmd,
		replayCutoverCmd, replayRollbackCmd, replayCancelCmd, replayCleanupCmd)
	rootCmd.AddCommand(replayCmd)
}
