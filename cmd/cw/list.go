package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fieldstone/casework/internal/ui"
)

var listJSON bool

var listCmd = &cobra.Command{
	Use:   "list <collection>",
	Short: "List a collection's records from the local mirror",
	Long: `List the records of one collection as the app sees them: straight
from the local mirror, no network. Records with a pending delete are
hidden; records with unsent changes are marked.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		app, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer app.Close()

		records, err := app.Engine.Records(ctx, args[0])
		if err != nil {
			return err
		}

		if listJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(records)
		}

		if len(records) == 0 {
			fmt.Printf("%s No records in %s\n", ui.RenderMuted("·"), args[0])
			return nil
		}

		for _, rec := range records {
			marker := ui.RenderPass("✓")
			switch {
			case rec.SyncError != "":
				marker = ui.RenderFail("✗")
			case rec.HasPendingWrites:
				marker = ui.RenderAccent("↑")
			}

			id := rec.RemoteID
			if id == "" {
				id = fmt.Sprintf("local:%d", rec.LocalID)
			}

			label, _ := rec.Payload["name"].(string)
			fmt.Printf("%s %-16s %s\n", marker, id, label)
			if rec.SyncError != "" {
				fmt.Printf("  %s\n", ui.RenderMuted(rec.SyncError))
			}
		}
		return nil
	},
}

func init() {
	listCmd.Flags().BoolVar(&listJSON, "json", false, "emit records as JSON")
	rootCmd.AddCommand(listCmd)
}
