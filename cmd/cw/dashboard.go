package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/fieldstone/casework/internal/dashboard"
	"github.com/fieldstone/casework/internal/ui"
)

var dashboardCmd = &cobra.Command{
	Use:   "dashboard",
	Short: "Serve the monitoring dashboard",
	Long: `Serve the WebSocket monitoring dashboard without the full daemon.

Clients connecting to ws://localhost:<port>/ws receive record changes,
queue depth, and connectivity transitions as JSON messages. Useful when
another process owns syncing and you only want visibility.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		app, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer app.Close()

		srv := dashboard.NewServer(&dashboard.Config{
			Port:   viper.GetInt("dashboard_port"),
			Logger: engineLogger("[dashboard] "),
		})
		if err := srv.Start(); err != nil {
			return err
		}
		defer srv.Stop()

		detach, err := dashboard.Attach(ctx, srv, app.Engine, app.Registry.Names(), app.Monitor)
		if err != nil {
			return err
		}
		defer detach()

		app.Monitor.Start(ctx)
		defer app.Monitor.Stop()

		cmd.Printf("%s Dashboard listening on %s\n", ui.RenderPass("✓"), srv.Addr())
		<-ctx.Done()
		return nil
	},
}

func init() {
	rootCmd.AddCommand(dashboardCmd)
}
