package cli

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/kilupskalvis/binstore/internal/digest"
	"github.com/spf13/cobra"
)

var statCmd = &cobra.Command{
	Use:   "stat <digest>",
	Short: "Show a stored binary's metadata",
	Args:  cobra.ExactArgs(1),
	Run:   runStat,
}

var digestCmd = &cobra.Command{
	Use:   "digest <hex>",
	Short: "Show which algorithm a digest belongs to",
	Long: `Show which algorithm a digest belongs to.

The algorithm is inferred from the digest length: 32 hex characters is
MD5, 40 is SHA-1 and 64 is SHA-256.`,
	Args: cobra.ExactArgs(1),
	Run:  runDigest,
}

func runStat(cmd *cobra.Command, args []string) {
	ctx := cmd.Context()
	c := initContext(ctx)
	defer c.Close()

	d, err := digest.Parse(args[0])
	if err != nil {
		exitError("%v", err)
	}

	b, err := c.Manager.GetBinary(ctx, d.Hex)
	if err != nil {
		exitError("%v", err)
	}
	if b == nil {
		exitError("binary %s not found", d.Hex)
	}

	info, err := c.Blobs.Stat(ctx, d)
	if err != nil {
		exitError("%v", err)
	}

	yellow := color.New(color.FgYellow)
	yellow.Printf("binary %s\n", b.Digest.Hex)
	fmt.Printf("Algorithm: %s\n", b.DigestAlgorithm())
	fmt.Printf("Length:    %d\n", b.Length)
	fmt.Printf("Scope:     %s\n", b.Scope)
	fmt.Printf("Stored:    %s\n", info.ModTime.Local().Format(time.RFC3339))
}

func runDigest(cmd *cobra.Command, args []string) {
	d, err := digest.Parse(args[0])
	if err != nil {
		exitError("%v", err)
	}
	fmt.Printf("%s %s\n", d.Algorithm, d.Hex)
}
