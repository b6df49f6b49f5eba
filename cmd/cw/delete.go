package main

import (
	"fmt"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/fieldstone/casework/internal/ui"
)

var (
	deleteRemoteID string
	deleteLocalID  int64
	deleteYes      bool
)

var deleteCmd = &cobra.Command{
	Use:   "delete <collection>",
	Short: "Delete a record",
	Long: `Delete a record, remotely when the backend is reachable and locally
otherwise.

Offline deletes queue for the next sync; a record the server never saw
simply disappears along with its queued create. Either way the record
vanishes from reads immediately.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if deleteRemoteID == "" && deleteLocalID == 0 {
			return fmt.Errorf("either --id or --local is required")
		}

		if !deleteYes {
			target := deleteRemoteID
			if target == "" {
				target = fmt.Sprintf("local:%d", deleteLocalID)
			}
			var confirmed bool
			form := huh.NewForm(huh.NewGroup(
				huh.NewConfirm().
					Title(fmt.Sprintf("Delete %s record %s?", args[0], target)).
					Description("A synced record is removed from the backend as well.").
					Value(&confirmed),
			))
			if err := form.Run(); err != nil {
				return err
			}
			if !confirmed {
				fmt.Println("Aborted")
				return nil
			}
		}

		ctx := cmd.Context()
		app, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer app.Close()

		probeOnce(ctx, app)

		res, err := app.Engine.DeleteNow(ctx, args[0], deleteRemoteID, deleteLocalID)
		if err != nil {
			return err
		}

		if res.Queued {
			fmt.Printf("%s Deleted locally; backend delete queued for next sync\n", ui.RenderAccent("↑"))
		} else {
			fmt.Printf("%s Deleted\n", ui.RenderPass("✓"))
		}
		return nil
	},
}

func init() {
	deleteCmd.Flags().StringVar(&deleteRemoteID, "id", "", "remote id of the record")
	deleteCmd.Flags().Int64Var(&deleteLocalID, "local", 0, "local id of the record")
	deleteCmd.Flags().BoolVarP(&deleteYes, "yes", "y", false, "skip the confirmation prompt")
	rootCmd.AddCommand(deleteCmd)
}
