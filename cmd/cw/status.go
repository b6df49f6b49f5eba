package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fieldstone/casework/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show mirror and queue status",
	Long: `Display the state of the local mirror: per-collection record counts,
pending changes awaiting sync, records the backend rejected, and current
connectivity.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		app, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer app.Close()

		if probeOnce(ctx, app) {
			fmt.Printf("%s Backend reachable\n", ui.RenderPass("●"))
		} else {
			fmt.Printf("%s Offline\n", ui.RenderWarn("●"))
		}

		pending, err := app.Engine.PendingOperationCount(ctx)
		if err != nil {
			return err
		}
		if pending > 0 {
			fmt.Printf("%s %d change(s) waiting to sync\n", ui.RenderAccent("↑"), pending)
		} else {
			fmt.Printf("%s Everything synced\n", ui.RenderMuted("·"))
		}

		fmt.Println()
		fmt.Println(ui.RenderBold("Collections"))
		for _, name := range app.Registry.Names() {
			st, err := app.Store.Stats(ctx, name)
			if err != nil {
				return err
			}
			line := fmt.Sprintf("  %-20s %5d record(s)", name, st.Total)
			if st.Pending > 0 {
				line += fmt.Sprintf("  %s", ui.RenderAccent(fmt.Sprintf("%d pending", st.Pending)))
			}
			if st.Errored > 0 {
				line += fmt.Sprintf("  %s", ui.RenderFail(fmt.Sprintf("%d rejected", st.Errored)))
			}
			fmt.Println(line)
		}

		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
