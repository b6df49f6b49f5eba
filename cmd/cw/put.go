package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fieldstone/casework/internal/ui"
)

var (
	putRemoteID string
	putLocalID  int64
	putJSONBody string
)

var putCmd = &cobra.Command{
	Use:   "put <collection> [field=value ...]",
	Short: "Create or update a record locally",
	Long: `Write a record to the local mirror and queue it for sync.

Fields come from key=value arguments or a JSON object via --json. With
--id or --local the fields merge into an existing record; otherwise a
new record is created. The change is durable immediately, online or
not.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		payload, err := buildPayload(args[1:], putJSONBody)
		if err != nil {
			return err
		}
		if len(payload) == 0 {
			return fmt.Errorf("no fields given")
		}

		ctx := cmd.Context()
		app, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer app.Close()

		localID, err := app.Engine.CreateOrUpdate(ctx, args[0], payload, putRemoteID, putLocalID)
		if err != nil {
			return err
		}

		pending, err := app.Engine.PendingOperationCount(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("%s Saved locally (local id %d, %d change(s) queued)\n", ui.RenderPass("✓"), localID, pending)
		return nil
	},
}

// buildPayload merges key=value arguments over an optional JSON body.
func buildPayload(pairs []string, jsonBody string) (map[string]any, error) {
	payload := make(map[string]any)
	if jsonBody != "" {
		if err := json.Unmarshal([]byte(jsonBody), &payload); err != nil {
			return nil, fmt.Errorf("invalid --json value: %w", err)
		}
	}
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("expected field=value, got %q", pair)
		}
		payload[key] = value
	}
	return payload, nil
}

func init() {
	putCmd.Flags().StringVar(&putRemoteID, "id", "", "remote id of the record to update")
	putCmd.Flags().Int64Var(&putLocalID, "local", 0, "local id of the record to update")
	putCmd.Flags().StringVar(&putJSONBody, "json", "", "JSON object with the record's fields")
	rootCmd.AddCommand(putCmd)
}
