package commands

import (
	"context"
	"fmt"

	"kachery/pkg/app"
	"kachery/pkg/config"
	"kachery/pkg/logging"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	// KA is the client shared by every subcommand.
	KA *app.App
)

var rootCmd = &cobra.Command{
	Use:          "kachery",
	Short:        "Content-addressed file storage and feeds through a kachery daemon",
	SilenceUsage: true,
	// PersistentPreRunE builds the client once flags have been parsed and
	// bound, so flag values win over env and config.yaml.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("config error: %w", err)
		}
		log, err := logging.New(cfg.Log.Level)
		if err != nil {
			return err
		}
		KA, err = app.New(cmd.Context(), cfg, log)
		if err != nil {
			return fmt.Errorf("failed to initialize kachery: %w\n(is the daemon running? set KACHERY_OFFLINE_STORAGE_DIR to work without it)", err)
		}
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if KA == nil {
			return nil
		}
		err := KA.Close()
		KA = nil
		return err
	},
}

// Execute runs the root command. Errors are printed by cobra.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.kachery/config.yaml)")
	flags.String("storage-dir", "", "kachery storage directory (must match the daemon's)")
	flags.String("offline-dir", "", "work without the daemon, storing into this directory")
	flags.String("log-level", "info", "debug, info, warn or error")
	flags.Int("daemon-port", 0, "daemon API port")

	for key, flag := range map[string]string{
		"storage.dir":         "storage-dir",
		"storage.offline_dir": "offline-dir",
		"log.level":           "log-level",
		"daemon.port":         "daemon-port",
	} {
		if err := viper.BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic(err)
		}
	}
}
