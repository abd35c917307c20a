// cmd/scopesd is the sync daemon and CLI for a scopes device.
//
// Usage:
//
//	scopesd serve                       --config scopes.yaml
//	scopesd serve --peer http://pi:7340 --interval 30s
//	scopesd sync  --peer http://pi:7340 --strategy last_write_wins
//	scopesd status
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/scopekit/scopes/config"
	"github.com/scopekit/scopes/conflict"
	"github.com/scopekit/scopes/identity"
	"github.com/scopekit/scopes/logging"
	"github.com/scopekit/scopes/storage/sqlite"
	syncsvc "github.com/scopekit/scopes/sync"
	transporthttp "github.com/scopekit/scopes/transport/http"
)

var (
	configPath string
	cfg        config.Config
)

func main() {
	root := &cobra.Command{
		Use:           "scopesd",
		Short:         "Local-first event store and sync daemon for scopes",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// .env is optional; real config comes from YAML + SCOPES_* vars.
			_ = godotenv.Load()

			loaded, err := config.Load(configPath)
			if err != nil {
				return err
			}
			cfg = loaded
			logging.Init(cfg.Logging)
			return nil
		},
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"path to YAML config file")

	root.AddCommand(serveCmd(), syncCmd(), statusCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var (
		peerURL  string
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync HTTP endpoint, optionally syncing to a peer on an interval",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, device, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			logger := logging.WithComponent(logging.Component("scopesd")).WithDevice(device.String())

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if n, err := store.Prune(ctx); err != nil {
				logger.LogError(ctx, err, "startup prune failed")
			} else if n > 0 {
				logger.Info("pruned events", slog.Int64("removed", n))
			}

			srv := &http.Server{
				Addr:              cfg.ListenAddr,
				Handler:           transporthttp.NewServer(store, device).Router(),
				ReadHeaderTimeout: 5 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				logger.Info("sync endpoint listening", slog.String("addr", cfg.ListenAddr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
			}()

			if peerURL != "" {
				sync := newSynchronizer(store, device)
				peer := transporthttp.NewClient(peerURL)
				go func() {
					logger.Info("periodic sync enabled",
						slog.String("peer", peerURL),
						slog.Duration("interval", interval),
					)
					_ = sync.Run(ctx, peer, interval)
				}()
			}

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			logger.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().StringVar(&peerURL, "peer", "", "peer base URL to sync with periodically")
	cmd.Flags().DurationVar(&interval, "interval", 30*time.Second, "periodic sync interval")
	return cmd
}

func syncCmd() *cobra.Command {
	var (
		peerURL  string
		strategy string
	)
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one sync batch against a peer and print the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, device, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			s := conflict.Strategy("")
			if strategy != "" {
				parsed, err := conflict.ParseStrategy(strategy)
				if err != nil {
					return err
				}
				s = parsed
			}

			peer := transporthttp.NewClient(peerURL)
			res, err := newSynchronizer(store, device).Synchronize(cmd.Context(), peer, s)
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
	cmd.Flags().StringVar(&peerURL, "peer", "", "peer base URL")
	cmd.Flags().StringVar(&strategy, "strategy", "",
		"conflict strategy for this run: local_wins, remote_wins, last_write_wins, manual")
	_ = cmd.MarkFlagRequired("peer")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print this device's identity, event count and vector clock",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, device, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			ctx := cmd.Context()
			count, err := store.CountEvents(ctx)
			if err != nil {
				return err
			}
			clock, err := store.CurrentVectorClock(ctx, device)
			if err != nil {
				return err
			}
			return printJSON(map[string]any{
				"device_id":     device.String(),
				"database_path": cfg.DatabasePath,
				"event_count":   count,
				"vector_clock":  clock,
			})
		},
	}
}

func openStore() (*sqlite.Store, identity.DeviceID, error) {
	device, err := ensureDeviceID()
	if err != nil {
		return nil, identity.DeviceID(""), err
	}

	sc := sqlite.DefaultConfig(cfg.DatabasePath)
	sc.MaxEvents = cfg.MaxEvents
	sc.RetentionDays = cfg.RetentionDays
	store, err := sqlite.New(sc)
	if err != nil {
		return nil, identity.DeviceID(""), err
	}
	return store, device, nil
}

func newSynchronizer(store *sqlite.Store, device identity.DeviceID) *syncsvc.Synchronizer {
	return syncsvc.New(store, device, syncsvc.Options{
		BatchSize:        cfg.Synchronization.BatchSize,
		MaxRetryAttempts: cfg.Synchronization.MaxRetryAttempts,
		BatchTimeout:     cfg.Synchronization.BatchTimeout,
		DefaultStrategy:  cfg.Strategy(),
	})
}

// ensureDeviceID resolves the device identity: configured value if set,
// otherwise a device_id file next to the database, generated and
// persisted on first start.
func ensureDeviceID() (identity.DeviceID, error) {
	if cfg.DeviceID != "" {
		return identity.NewDeviceID(cfg.DeviceID)
	}

	path := filepath.Join(filepath.Dir(cfg.DatabasePath), "device_id")
	if data, err := os.ReadFile(path); err == nil {
		return identity.NewDeviceID(strings.TrimSpace(string(data)))
	}

	device := identity.GenerateDeviceID()
	if err := os.WriteFile(path, []byte(device.String()+"\n"), 0o600); err != nil {
		return identity.DeviceID(""), fmt.Errorf("persist device id: %w", err)
	}
	logging.Default().Info("generated device identity", slog.String("device_id", device.String()))
	return device, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
