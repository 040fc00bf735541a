package cli

import (
	"errors"
	"io"
	"os"

	"github.com/kilupskalvis/binstore/internal/blobstore"
	"github.com/spf13/cobra"
)

var catCmd = &cobra.Command{
	Use:   "cat <digest>",
	Short: "Write a binary's content to stdout",
	Args:  cobra.ExactArgs(1),
	Run:   runCat,
}

func runCat(cmd *cobra.Command, args []string) {
	ctx := cmd.Context()
	c := initContext(ctx)
	defer c.Close()

	rc, err := c.Manager.Open(ctx, args[0])
	if errors.Is(err, blobstore.ErrBlobNotFound) {
		exitError("binary %s not found", args[0])
	}
	if err != nil {
		exitError("%v", err)
	}
	defer rc.Close()

	if _, err := io.Copy(os.Stdout, rc); err != nil {
		exitError("failed to read binary: %v", err)
	}
}
