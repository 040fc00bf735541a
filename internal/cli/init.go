package cli

import (
	"fmt"
	"os"

	"github.com/kilupskalvis/binstore/internal/blobstore"
	"github.com/kilupskalvis/binstore/internal/config"
	"github.com/kilupskalvis/binstore/internal/digest"
	"github.com/kilupskalvis/binstore/internal/refstore"
	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a new binstore repository",
	Long: `Initialize a new binstore repository in the current directory.
This creates a .binstore directory holding the configuration, the
reference database and, for the fs backend, the blobs themselves.`,
	Args: cobra.NoArgs,
	Run:  runInit,
}

var (
	initBackend   string
	initAlgorithm string
	initRefs      string
	initBucket    string
	initEndpoint  string
)

func init() {
	initCmd.Flags().StringVar(&initBackend, "backend", config.BackendFS, "Blob storage backend (fs, s3)")
	initCmd.Flags().StringVar(&initAlgorithm, "algorithm", digest.Default.String(), "Digest algorithm for new blobs (MD5, SHA-1, SHA-256)")
	initCmd.Flags().StringVar(&initRefs, "refs", refstore.BackendBbolt, "Reference store backend (bbolt, sqlite)")
	initCmd.Flags().StringVar(&initBucket, "bucket", "", "S3 bucket (s3 backend)")
	initCmd.Flags().StringVar(&initEndpoint, "endpoint", "", "S3 endpoint (s3 backend)")
}

func runInit(cmd *cobra.Command, args []string) {
	if _, err := config.FindRoot(); err == nil {
		exitError("binstore repository already exists")
	}

	alg, err := digest.ParseAlgorithm(initAlgorithm)
	if err != nil {
		exitError("%v", err)
	}

	cfg := config.Default()
	cfg.DigestAlgorithm = alg.String()
	cfg.Storage.Backend = initBackend
	cfg.Storage.S3.Bucket = initBucket
	cfg.Storage.S3.Endpoint = initEndpoint
	cfg.Refs.Backend = initRefs

	cwd, err := os.Getwd()
	if err != nil {
		exitError("%v", err)
	}

	cfg, err = config.Initialize(cwd, cfg)
	if err != nil {
		exitError("failed to initialize config: %v", err)
	}

	if cfg.Storage.Backend == config.BackendFS {
		if _, err := blobstore.NewFSStore(cfg.BlobRoot()); err != nil {
			exitError("failed to create blob store: %v", err)
		}
	}

	refs, err := refstore.Open(cfg.Refs.Backend, cfg.RefsPath())
	if err != nil {
		exitError("failed to create reference store: %v", err)
	}
	refs.Close()

	fmt.Printf("Initialized empty binstore repository in %s/\n", config.Dir)
	fmt.Printf("Storage: %s, digest: %s, refs: %s\n", cfg.Storage.Backend, alg, cfg.Refs.Backend)
}
