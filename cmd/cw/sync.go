package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/fieldstone/casework/internal/ui"
)

var syncPullFirst bool

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Push queued changes to the backend",
	Long: `Drain the operation queue against the backend in order.

Each confirmed operation updates the local mirror with the server's
authoritative row. A rejection stops the drain at the failing change and
annotates its record; run 'cw status' to see what is stuck.

With --pull, a fresh snapshot is fetched before pushing, the same
sequence that runs automatically when connectivity returns.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		app, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer app.Close()

		if !probeOnce(ctx, app) {
			fmt.Printf("%s Backend unreachable; changes stay queued\n", ui.RenderWarn("⚠"))
			pending, err := app.Engine.PendingOperationCount(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("   Pending: %d\n", pending)
			return nil
		}

		start := time.Now()
		progress := func(done, total int) {
			fmt.Printf("\r%s Syncing %d/%d...", ui.RenderAccent("🔄"), done, total)
		}

		var result *syncOutcome
		if syncPullFirst {
			r, err := app.Engine.Reconnect(ctx)
			if err != nil {
				return err
			}
			result = &syncOutcome{synced: r.Synced, errors: len(r.Errors)}
			if len(r.Errors) > 0 {
				result.firstError = r.Errors[0].Message
			}
		} else {
			r, err := app.Engine.RunSync(ctx, progress)
			if err != nil {
				return err
			}
			if r.Synced > 0 {
				fmt.Println()
			}
			result = &syncOutcome{synced: r.Synced, errors: len(r.Errors)}
			if len(r.Errors) > 0 {
				result.firstError = r.Errors[0].Message
			}
		}

		elapsed := time.Since(start).Round(time.Millisecond)
		if result.errors > 0 {
			fmt.Printf("%s Sync halted after %d change(s) in %v\n", ui.RenderFail("✗"), result.synced, elapsed)
			fmt.Printf("   %s\n", result.firstError)
			os.Exit(1)
		}

		fmt.Printf("%s Synced %d change(s) in %v\n", ui.RenderPass("✓"), result.synced, elapsed)
		return nil
	},
}

type syncOutcome struct {
	synced     int
	errors     int
	firstError string
}

func init() {
	syncCmd.Flags().BoolVar(&syncPullFirst, "pull", false, "refresh the local mirror before pushing")
	rootCmd.AddCommand(syncCmd)
}
