package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"kachery/pkg/config"
	"kachery/pkg/devd"
	"kachery/pkg/logging"
	"kachery/pkg/meta"
	"kachery/pkg/storage/disk"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:          "kachery-devd",
		Short:        "Single-node kachery daemon for local work and tests",
		Long:         `Serves the daemon HTTP API over a local storage directory. It does not talk to other nodes.`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("config error: %w", err)
			}
			log, err := logging.New(cfg.Log.Level)
			if err != nil {
				return err
			}
			defer log.Sync()
			return serve(cmd.Context(), cfg, log, nil)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.kachery/config.yaml)")
	flags.String("listen", "", "address to serve on (default localhost:20431)")
	flags.String("storage-dir", "", "storage directory (default $HOME/kachery-storage)")
	flags.String("log-level", "info", "debug, info, warn or error")
	for key, flag := range map[string]string{
		"devd.listen":      "listen",
		"devd.storage_dir": "storage-dir",
		"log.level":        "log-level",
	} {
		if err := viper.BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic(err)
		}
	}
	return cmd
}

// serve runs the dev daemon until ctx is done. ready, if set, receives the
// bound address once the listener is open.
func serve(ctx context.Context, cfg *config.Config, log *zap.Logger, ready chan<- string) error {
	// 1. Storage and state
	dir, err := cfg.DevdStorageDir()
	if err != nil {
		return err
	}
	mc, ok := cfg.MetaDB(dir)
	if !ok {
		return fmt.Errorf("kachery-devd keeps feeds in the metadata database; meta.driver cannot be %q", config.MetaNone)
	}
	db, err := meta.NewDB(ctx, mc)
	if err != nil {
		return err
	}
	defer db.Close()
	repo := meta.NewRepository(db)

	store, err := disk.NewAdapter(dir, disk.WithChunking(cfg.Chunking()), disk.WithHashIndex(repo), disk.WithLogger(log))
	if err != nil {
		return fmt.Errorf("failed to init storage: %w", err)
	}
	srv, err := devd.New(devd.Config{StorageDir: dir}, store, repo, devd.WithLogger(log))
	if err != nil {
		return err
	}

	// 2. Network
	lis, err := net.Listen("tcp", cfg.Devd.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Devd.Listen, err)
	}
	httpSrv := &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// long polls end when ctx does
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	// 3. Serve
	errCh := make(chan error, 1)
	go func() { errCh <- httpSrv.Serve(lis) }()
	log.Info("listening", zap.String("addr", lis.Addr().String()), zap.String("storage", dir))
	if ready != nil {
		ready <- lis.Addr().String()
	}

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	// 4. Graceful shutdown
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
