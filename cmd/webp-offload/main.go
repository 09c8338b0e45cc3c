package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/wb-go/wbf/retry"
	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/webp-offload/internal/api/handlers/asset"
	"github.com/aliskhannn/webp-offload/internal/api/router"
	"github.com/aliskhannn/webp-offload/internal/api/server"
	"github.com/aliskhannn/webp-offload/internal/config"
	"github.com/aliskhannn/webp-offload/internal/infra/kafka/consumer"
	assetmsg "github.com/aliskhannn/webp-offload/internal/kafka/handlers/asset"
	"github.com/aliskhannn/webp-offload/internal/model"
	"github.com/aliskhannn/webp-offload/internal/pipeline"
)

var (
	configPath string
	pause      time.Duration
)

func main() {
	// Context & signals: used for graceful shutdown on system interrupts.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	zlog.Init()

	rootCmd := newRootCommand()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "webp-offload: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "webp-offload",
		Short: "Convert uploads to WebP and offload them to an S3-compatible CDN",
		Long: `webp-offload converts JPEG and PNG uploads to WebP, pushes the results to an
S3-compatible bucket behind a CDN and rewrites image references so pages
prefer the CDN copy, then the local WebP, then the original.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "./config/config.yml", "Configuration file")
	cmd.PersistentFlags().DurationVar(&pause, "pause", 500*time.Millisecond, "Pause between batch pages")
	cmd.AddCommand(
		newServeCmd(),
		newProcessCmd(),
		newSyncCmd(),
		newRewriteCmd(),
		newRenderCmd(),
		newPurgeCmd(),
	)
	return cmd
}

// withApp loads the configuration, wires the components and runs fn.
func withApp(ctx context.Context, fn func(a *app) error) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	return fn(a)
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and, when enabled, the asset event consumer",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				return serve(cmd.Context(), a)
			})
		},
	}
}

// serve runs the HTTP server and the Kafka consumer until ctx is cancelled.
func serve(ctx context.Context, a *app) error {
	cfg := a.cfg

	// Kafka consumer for asset events published by POST /api/assets.
	var wg sync.WaitGroup
	if cfg.Kafka.Enabled {
		c := consumer.New(&cfg.Kafka, a.strategy, assetmsg.NewUploadedHandler(a.service))
		wg.Add(1)
		go c.Consume(ctx, &wg)
	}

	h := asset.NewHandler(a.service, a.batch, asset.BatchSizes{
		Process: cfg.Batch.ProcessSize,
		Sync:    cfg.Batch.SyncSize,
		Rewrite: cfg.Batch.RewriteSize,
	}, cfg.Rewrite.PreferredKind())

	r := router.Setup(h, promhttp.Handler())
	s := server.New(cfg.Server.HTTPPort, r)

	serveErr := make(chan error, 1)
	go func() {
		zlog.Logger.Info().Str("addr", cfg.Server.HTTPPort).Msg("starting server")
		if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	// Block until context is canceled (SIGINT/SIGTERM) or the listener fails.
	select {
	case <-ctx.Done():
		zlog.Logger.Info().Msg("context done")
	case err := <-serveErr:
		zlog.Logger.Error().Err(err).Msg("server failed")
		return err
	}

	wg.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	zlog.Logger.Info().Msg("shutting down server")
	if err := s.Shutdown(shutdownCtx); err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to shutdown server")
	}
	if errors.Is(shutdownCtx.Err(), context.DeadlineExceeded) {
		zlog.Logger.Info().Msg("timeout exceeded, forcing shutdown")
	}

	return nil
}

func newProcessCmd() *cobra.Command {
	var (
		force     bool
		offset    int
		batchSize int
	)
	cmd := &cobra.Command{
		Use:   "process",
		Short: "Convert every asset page by page, uploading when offload is enabled",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				if batchSize <= 0 {
					batchSize = a.cfg.Batch.ProcessSize
				}

				var failed int
				err := drive(cmd.Context(), a, offset, func(ctx context.Context, off int) (int, bool, error) {
					res, err := a.batch.ProcessBatch(ctx, off, batchSize, force)
					if err != nil {
						return off, false, err
					}
					logLines(off, res.Log)
					if res.HadError {
						failed++
					}
					return res.NextOffset, res.Done, nil
				})
				if err != nil {
					return err
				}

				zlog.Logger.Info().Int("pages_with_errors", failed).Msg("processing finished")
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Reprocess assets that are already converted")
	cmd.Flags().IntVar(&offset, "offset", 0, "Start at this asset offset")
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "Assets per page (default from config)")
	return cmd
}

func newSyncCmd() *cobra.Command {
	var (
		offset    int
		batchSize int
	)
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Upload every local WebP file to the CDN bucket",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				if batchSize <= 0 {
					batchSize = a.cfg.Batch.SyncSize
				}

				var uploaded, skipped, total int
				err := drive(cmd.Context(), a, offset, func(ctx context.Context, off int) (int, bool, error) {
					res, err := a.batch.SyncToStorage(ctx, off, batchSize)
					if err != nil {
						return off, false, err
					}
					logLines(off, res.Log)
					uploaded += res.Uploaded
					skipped += res.Skipped
					total = res.Total
					return res.NextOffset, res.Done, nil
				})
				if err != nil {
					return err
				}

				zlog.Logger.Info().
					Int("uploaded", uploaded).
					Int("skipped", skipped).
					Int("total", total).
					Msg("sync finished")
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&offset, "offset", 0, "Start at this file offset")
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "Files per page (default from config)")
	return cmd
}

func newRewriteCmd() *cobra.Command {
	var (
		urlType   string
		batchSize int
	)
	cmd := &cobra.Command{
		Use:   "rewrite",
		Short: "Repoint image references in stored documents at WebP copies",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				kind := a.cfg.Rewrite.PreferredKind()
				if urlType != "" {
					var ok bool
					if kind, ok = model.ParseURLKind(urlType); !ok {
						return fmt.Errorf("invalid url type %q", urlType)
					}
				}
				if batchSize <= 0 {
					batchSize = a.cfg.Batch.RewriteSize
				}

				var updated int
				err := drive(cmd.Context(), a, 0, func(ctx context.Context, off int) (int, bool, error) {
					res, err := a.batch.RewriteReferences(ctx, off, batchSize, kind)
					if err != nil {
						return off, false, err
					}
					logLines(off, res.Log)
					updated += res.Updated
					return res.NextOffset, res.Done, nil
				})
				if err != nil {
					return err
				}

				zlog.Logger.Info().Int("updated", updated).Str("kind", string(kind)).Msg("rewrite finished")
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&urlType, "url-type", "", "Target URL kind: local or cdn (default from config)")
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "Documents per page (default from config)")
	return cmd
}

func newRenderCmd() *cobra.Command {
	var inPlace bool
	cmd := &cobra.Command{
		Use:   "render <file>",
		Short: "Print markup with image references rewritten for delivery",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				raw, err := os.ReadFile(args[0])
				if err != nil {
					return err
				}

				out, n := a.service.Render(cmd.Context(), string(raw))
				zlog.Logger.Info().Int("rewritten", n).Str("file", args[0]).Msg("markup rendered")

				if inPlace {
					return os.WriteFile(args[0], []byte(out), 0o644)
				}
				_, err = io.WriteString(cmd.OutOrStdout(), out)
				return err
			})
		},
	}
	cmd.Flags().BoolVarP(&inPlace, "write", "w", false, "Write the result back to the file")
	return cmd
}

func newPurgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge <asset-id>",
		Short: "Delete the CDN copies of an asset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := model.ParseAssetID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(a *app) error {
				return a.service.Purge(cmd.Context(), id)
			})
		},
	}
}

// drive runs step page by page from offset, retrying each page with the
// configured strategy.
func drive(ctx context.Context, a *app, offset int, step func(ctx context.Context, offset int) (int, bool, error)) error {
	return pipeline.Drive(ctx, offset, pause, func(ctx context.Context, off int) (next int, done bool, err error) {
		err = retry.Do(func() error {
			var stepErr error
			next, done, stepErr = step(ctx, off)
			return stepErr
		}, a.strategy)
		return next, done, err
	})
}

func logLines(offset int, lines []string) {
	for _, line := range lines {
		zlog.Logger.Info().Int("offset", offset).Msg(line)
	}
}
