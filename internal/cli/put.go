package cli

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/kilupskalvis/binstore/internal/binary"
	"github.com/spf13/cobra"
)

var putCmd = &cobra.Command{
	Use:   "put <file>...",
	Short: "Store files as binaries",
	Long: `Store each file in the blob store and print its digest.

Identical content is stored once. With --doc, each stored binary is
also recorded as referenced by the given document so garbage
collection keeps it.

Examples:
  binstore put report.pdf                 Store a file
  binstore put --doc invoice-42 a.pdf     Store and reference from a document
  binstore put --move big.iso             Move the file into the store`,
	Args: cobra.MinimumNArgs(1),
	Run:  runPut,
}

var (
	putDoc  string
	putMove bool
)

func init() {
	putCmd.Flags().StringVar(&putDoc, "doc", "", "Record a reference from this document")
	putCmd.Flags().BoolVar(&putMove, "move", false, "Move files into the store instead of copying (local storage only)")
}

func runPut(cmd *cobra.Command, args []string) {
	ctx := cmd.Context()
	c := initFullContext(ctx)
	defer c.Close()

	green := color.New(color.FgGreen)

	for _, path := range args {
		var (
			b   binary.Binary
			err error
		)
		if putMove {
			b, err = c.Manager.StoreAndDigest(ctx, &binary.FileSource{Path: path})
		} else {
			b, err = storeFile(cmd, c.Manager, path)
		}
		if err != nil {
			exitError("failed to store %s: %v", path, err)
		}

		if putDoc != "" {
			if err := c.Refs.AddRef(ctx, putDoc, b.Digest.Hex); err != nil {
				exitError("failed to record reference: %v", err)
			}
		}

		green.Printf("%s", b.Digest.Hex)
		fmt.Printf("  %s (%d bytes)\n", path, b.Length)
	}
}

func storeFile(cmd *cobra.Command, m *binary.Manager, path string) (binary.Binary, error) {
	f, err := os.Open(path)
	if err != nil {
		return binary.Binary{}, err
	}
	defer f.Close()
	return m.Store(cmd.Context(), f)
}
