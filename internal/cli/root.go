// Package cli implements the command-line interface for binstore.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/kilupskalvis/binstore/internal/binary"
	"github.com/kilupskalvis/binstore/internal/blobstore"
	"github.com/kilupskalvis/binstore/internal/config"
	"github.com/kilupskalvis/binstore/internal/refstore"
	"github.com/spf13/cobra"
)

// cmdContext holds common resources for CLI commands
type cmdContext struct {
	Config  *config.Config
	Blobs   blobstore.BlobStore
	Manager *binary.Manager
	Refs    refstore.RefStore
}

// Close releases resources held by cmdContext. The manager owns Blobs.
func (c *cmdContext) Close() {
	if c.Manager != nil {
		c.Manager.Close()
	}
	if c.Refs != nil {
		c.Refs.Close()
	}
}

// initContext loads config and opens the blob store and manager (no refs)
func initContext(ctx context.Context, opts ...binary.Option) *cmdContext {
	cfg, err := config.Load()
	if err != nil {
		exitError("%v", err)
	}

	blobs, err := openBlobStore(ctx, cfg)
	if err != nil {
		exitError("failed to open blob store: %v", err)
	}

	base := []binary.Option{
		binary.WithAlgorithm(cfg.Algorithm()),
		binary.WithScope(cfg.Scope),
		binary.WithGraceWindow(cfg.GraceWindow()),
		binary.WithSweepConcurrency(cfg.GC.DeleteConcurrency),
		binary.WithLogger(logger),
	}
	m := binary.NewManager(blobs, append(base, opts...)...)

	return &cmdContext{Config: cfg, Blobs: blobs, Manager: m}
}

// initFullContext initializes config, blob store, manager, and reference store
func initFullContext(ctx context.Context, opts ...binary.Option) *cmdContext {
	c := initContext(ctx, opts...)

	refs, err := refstore.Open(c.Config.Refs.Backend, c.Config.RefsPath())
	if err != nil {
		c.Close()
		exitError("failed to open reference store: %v", err)
	}
	c.Refs = refs

	return c
}

func openBlobStore(ctx context.Context, cfg *config.Config) (blobstore.BlobStore, error) {
	switch cfg.Storage.Backend {
	case config.BackendS3:
		s3 := cfg.Storage.S3
		st, err := blobstore.NewS3Store(ctx, blobstore.S3Config{
			Endpoint:   s3.Endpoint,
			Region:     s3.Region,
			Bucket:     s3.Bucket,
			Prefix:     s3.Prefix,
			AccessKey:  s3.AccessKey,
			SecretKey:  s3.SecretKey,
			UseSSL:     s3.UseSSL,
			PathStyle:  s3.PathStyle,
			StagingDir: s3.StagingDir,
		})
		if err != nil {
			return nil, err
		}
		return blobstore.NewRetryStore(st, nil), nil
	default:
		st, err := blobstore.NewFSStore(cfg.BlobRoot())
		if err != nil {
			return nil, err
		}
		return st, nil
	}
}

var (
	logLevel  string
	logFormat string
	logger    = slog.Default()
)

var rootCmd = &cobra.Command{
	Use:   "binstore",
	Short: "Content-addressed binary store",
	Long: `binstore stores binaries by content digest, deduplicates identical
content, and reclaims unreferenced binaries with a mark-and-sweep
garbage collector.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logger = newLogger(logLevel, logFormat)
		slog.SetDefault(logger)
	},
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// ExecuteContext runs the root command with ctx available to every command
func ExecuteContext(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", envOrDefault("BINSTORE_LOG_LEVEL", "warn"), "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", envOrDefault("BINSTORE_LOG_FORMAT", "text"), "Log format (json, text)")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(putCmd)
	rootCmd.AddCommand(catCmd)
	rootCmd.AddCommand(statCmd)
	rootCmd.AddCommand(digestCmd)
	rootCmd.AddCommand(refCmd)
	rootCmd.AddCommand(gcCmd)
}

func newLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelWarn
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: lvl}
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// exitError prints an error and exits
func exitError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}
