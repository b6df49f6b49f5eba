package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/fieldstone/casework/internal/engine"
	"github.com/fieldstone/casework/internal/entity"
	"github.com/fieldstone/casework/internal/netmon"
	"github.com/fieldstone/casework/internal/remote"
	"github.com/fieldstone/casework/internal/store"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "cw",
	Short: "Offline-first client for the casework backend",
	Long: `cw keeps a local mirror of casework records and syncs it with the
backend when connectivity allows.

All edits land in the local database immediately and queue for replay;
the backend catches up on the next sync. Support workers in the field
never wait on the network.`,
	SilenceUsage: true,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default $HOME/.casework.yaml)")
	rootCmd.PersistentFlags().String("data-dir", "", "data directory (default $HOME/.casework)")
	rootCmd.PersistentFlags().String("api-url", "", "backend base URL")
	rootCmd.PersistentFlags().String("api-key", "", "backend API token")
	rootCmd.PersistentFlags().Bool("verbose", false, "log engine activity to stderr")

	_ = viper.BindPFlag("data_dir", rootCmd.PersistentFlags().Lookup("data-dir"))
	_ = viper.BindPFlag("api_url", rootCmd.PersistentFlags().Lookup("api-url"))
	_ = viper.BindPFlag("api_key", rootCmd.PersistentFlags().Lookup("api-key"))
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")
		viper.SetConfigName(".casework")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("CW")
	viper.AutomaticEnv()

	viper.SetDefault("api_url", "http://localhost:8080")
	viper.SetDefault("sync_interval", "30s")
	viper.SetDefault("dashboard_port", 8585)

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && cfgFile != "" {
			fmt.Fprintf(os.Stderr, "Error reading config: %v\n", err)
			os.Exit(1)
		}
	}
}

// dataDir resolves the directory holding the mirror database, the
// collection registry, and the daemon inbox.
func dataDir() (string, error) {
	if dir := viper.GetString("data_dir"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}
	return filepath.Join(home, ".casework"), nil
}

// loadRegistry reads collections.yaml from the data directory, falling
// back to the built-in casework collections.
func loadRegistry(dir string) (*entity.Registry, error) {
	path := filepath.Join(dir, "collections.yaml")
	if _, err := os.Stat(path); err == nil {
		return entity.LoadRegistry(path)
	}
	return entity.NewRegistry(
		entity.Collection{Name: "cases", StripFields: []string{"draft_notes"}},
		entity.Collection{Name: "enrollments"},
		entity.Collection{Name: "service_logs"},
		entity.Collection{Name: "resource_requests"},
		entity.Collection{Name: "family_records"},
	)
}

// appContext is the wired-up engine and its dependencies.
type appContext struct {
	Store    *store.Store
	Registry *entity.Registry
	Engine   *engine.Engine
	Monitor  *netmon.Monitor
}

// Close releases the app's resources.
func (a *appContext) Close() {
	if err := a.Store.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}
}

// openApp wires the store, registry, remote client, and engine from the
// effective configuration.
func openApp(ctx context.Context) (*appContext, error) {
	dir, err := dataDir()
	if err != nil {
		return nil, err
	}

	reg, err := loadRegistry(dir)
	if err != nil {
		return nil, err
	}

	s, err := store.Open(filepath.Join(dir, "mirror.db"))
	if err != nil {
		return nil, err
	}
	if err := s.InitSchema(ctx); err != nil {
		s.Close()
		return nil, err
	}

	sourceID, err := s.SourceID(ctx)
	if err != nil {
		s.Close()
		return nil, err
	}

	apiURL := viper.GetString("api_url")
	client := remote.NewClient(apiURL,
		remote.WithAPIKey(viper.GetString("api_key")),
		remote.WithSourceID(sourceID),
	)

	monitor := netmon.New(netmon.Config{
		Probe:  netmon.HTTPProbe(apiURL + "/health"),
		Logger: engineLogger("[netmon] "),
	})

	eng, err := engine.New(engine.Options{
		Store:    s,
		Remote:   client,
		Registry: reg,
		Online:   func(ctx context.Context) bool { return monitor.Online() },
		Logger:   engineLogger("[engine] "),
	})
	if err != nil {
		s.Close()
		return nil, err
	}

	return &appContext{Store: s, Registry: reg, Engine: eng, Monitor: monitor}, nil
}

// engineLogger builds a stderr logger, silenced unless --verbose.
func engineLogger(prefix string) *log.Logger {
	if viper.GetBool("verbose") {
		return log.New(os.Stderr, prefix, log.LstdFlags)
	}
	return log.New(io.Discard, "", 0)
}

// probeOnce runs a single connectivity check so one-shot commands do not
// need the polling monitor.
func probeOnce(ctx context.Context, a *appContext) bool {
	probe := netmon.HTTPProbe(viper.GetString("api_url") + "/health")
	online := probe(ctx)
	a.Monitor.SetOnline(ctx, online)
	return online
}
