package cmd

import (
	"fmt"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/spf13/cobra"

	"github.com/ledgerline-systems/ledgerline/internal/notify"
	"github.com/ledgerline-systems/ledgerline/internal/orders"
	"github.com/ledgerline-systems/ledgerline/internal/token"
)

var (
	seedCount int
	seedItems int
	seedWait  time.Duration
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Generate demo orders",
	Long: `Generate random orders through the command pipeline: create, add
items, pay. With --wait the command blocks until the orders view has caught
up to the last append, exercising the read-your-writes token path.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime(cmd.Context())
		if err != nil {
			return err
		}
		defer rt.close()

		ctx := cmd.Context()
		var lastPos uint64
		var lastID string
		for i := 0; i < seedCount; i++ {
			id := "order-" + gofakeit.UUID()
			customer := gofakeit.Username()

			pos, err := rt.handler.HandleCommand(ctx, id, orders.CreateCommand(customer, "USD"))
			if err != nil {
				return fmt.Errorf("create %s: %w", id, err)
			}
			items := seedItemCount(seedItems)
			for j := 0; j < items; j++ {
				sku := gofakeit.Word()
				qty := gofakeit.Number(1, 5)
				price := int64(gofakeit.Price(1, 200) * 100)
				if pos, err = rt.handler.HandleCommand(ctx, id, orders.AddItemCommand(sku, qty, price)); err != nil {
					return fmt.Errorf("add item to %s: %w", id, err)
				}
			}
			if pos, err = rt.handler.HandleCommand(ctx, id, orders.PayCommand()); err != nil {
				return fmt.Errorf("pay %s: %w", id, err)
			}
			rt.notifier.PublishAppend(notify.AppendHint{Position: pos})
			lastPos, lastID = pos, id
		}

		result := map[string]any{"orders": seedCount, "last_position": lastPos}
		if seedWait > 0 && lastID != "" {
			// Wait on the checkpoint name reads currently route to.
			namespace, err := rt.router.Resolve(ctx, orders.ViewName)
			if err != nil {
				return err
			}
			if err := rt.tokens.WaitForAggregate(ctx, namespace, orders.ViewPartitions,
				lastID, token.FromPosition(lastPos), seedWait); err != nil {
				return err
			}
			result["view_caught_up"] = true
		}
		return emit(result, func() {
			tableRow("ORDERS", seedCount)
			tableRow("LAST POSITION", lastPos)
		})
	},
}

// seedItemCount picks how many items an order gets, at least one. An order
// must carry an item before it can be paid, so --items values below 1 clamp.
func seedItemCount(max int) int {
	if max < 1 {
		max = 1
	}
	return 1 + gofakeit.Number(0, max-1)
}

func init() {
	seedCmd.Flags().IntVar(&seedCount, "count", 10, "number of orders to create")
	seedCmd.Flags().IntVar(&seedItems, "items", 3, "maximum items per order")
	seedCmd.Flags().DurationVar(&seedWait, "wait", 0, "wait for the orders view to catch up (0 disables)")
	rootCmd.AddCommand(seedCmd)
}
