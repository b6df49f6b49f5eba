package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/fieldstone/casework/internal/daemon"
	"github.com/fieldstone/casework/internal/dashboard"
	"github.com/fieldstone/casework/internal/ui"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the background sync daemon",
	Long: `Run the sync daemon in the foreground.

The daemon:
  - polls backend connectivity and, when it returns, refreshes the
    mirror and pushes the backlog
  - syncs periodically while online
  - applies mutation envelopes other local apps drop into the inbox
    directory (<data-dir>/inbox/*.json)
  - serves the monitoring dashboard over WebSocket

Logs rotate in <data-dir>/daemon.log.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		dir, err := dataDir()
		if err != nil {
			return err
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}

		logger := daemonLogger(dir)

		app, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer app.Close()

		// Reconnect sequence: pull a fresh snapshot, then push the
		// backlog. Runs on every offline-to-online transition.
		app.Monitor.SetOnReconnect(func(ctx context.Context) {
			if _, err := app.Engine.Reconnect(ctx); err != nil {
				logger.Printf("Reconnect sync failed: %v", err)
			}
		})

		srv := dashboard.NewServer(&dashboard.Config{
			Port:   viper.GetInt("dashboard_port"),
			Logger: logger,
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

		interval := viper.GetDuration("sync_interval")
		d, err := daemon.New(app.Engine, filepath.Join(dir, "inbox"), &daemon.Config{
			SyncInterval:     interval,
			DebounceInterval: 200 * time.Millisecond,
			Logger:           logger,
		})
		if err != nil {
			return err
		}

		fmt.Printf("%s Daemon running (dashboard on %s)\n", ui.RenderPass("✓"), srv.Addr())
		return d.Start(ctx)
	},
}

// daemonLogger writes rotating logs into the data directory, mirroring
// to stderr when --verbose is set.
func daemonLogger(dir string) *log.Logger {
	rotating := &lumberjack.Logger{
		Filename:   filepath.Join(dir, "daemon.log"),
		MaxSize:    10, // megabytes
		MaxBackups: 3,
		MaxAge:     30, // days
		Compress:   true,
	}
	if viper.GetBool("verbose") {
		return log.New(teeWriter{rotating}, "[daemon] ", log.LstdFlags)
	}
	return log.New(rotating, "[daemon] ", log.LstdFlags)
}

// teeWriter mirrors daemon logs to stderr.
type teeWriter struct {
	file *lumberjack.Logger
}

func (t teeWriter) Write(p []byte) (int, error) {
	os.Stderr.Write(p)
	return t.file.Write(p)
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}
