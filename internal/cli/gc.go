package cli

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/kilupskalvis/binstore/internal/binary"
	"github.com/kilupskalvis/binstore/internal/gcjob"
	"github.com/spf13/cobra"
)

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Collect unreferenced binaries",
	Long: `Run a mark-and-sweep garbage collection cycle.

Every binary referenced by a document is kept, as is every binary
stored within the grace window before the cycle started. Without
--delete the run only reports what would be collected.`,
	Args: cobra.NoArgs,
	Run:  runGC,
}

var (
	gcDelete bool
	gcGrace  time.Duration
)

func init() {
	gcCmd.Flags().BoolVar(&gcDelete, "delete", false, "Delete collectable binaries (default is a dry run)")
	gcCmd.Flags().DurationVar(&gcGrace, "grace", binary.DefaultGraceWindow, "Grace window; overrides gc.grace_window from the config")
}

func runGC(cmd *cobra.Command, args []string) {
	ctx := cmd.Context()

	var opts []binary.Option
	if cmd.Flags().Changed("grace") {
		opts = append(opts, binary.WithGraceWindow(gcGrace))
	}
	c := initFullContext(ctx, opts...)
	defer c.Close()

	result, err := gcjob.Run(ctx, c.Refs, c.Manager.GarbageCollector(), gcjob.Options{Delete: gcDelete}, logger)
	if result == nil {
		exitError("gc failed: %v", err)
	}

	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)
	yellow := color.New(color.FgYellow)

	s := result.Status
	fmt.Printf("Marked %d referenced binaries\n", result.Marked)
	green.Printf("  retained:  %d (%s)\n", s.NumBinaries, formatBytes(s.SizeBinaries))
	if result.Deleted {
		red.Printf("  deleted:   %d (%s)\n", s.NumBinariesGC, formatBytes(s.SizeBinariesGC))
	} else {
		yellow.Printf("  collectable: %d (%s)\n", s.NumBinariesGC, formatBytes(s.SizeBinariesGC))
		fmt.Println("\nDry run, nothing deleted. Use --delete to reclaim space.")
	}
	for _, hex := range result.Skipped {
		yellow.Printf("  skipped invalid reference %q\n", hex)
	}

	if err != nil {
		red.Printf("%d binaries could not be deleted\n", s.DeleteFailures)
		exitError("gc finished with errors: %v", err)
	}
}

func formatBytes(n int64) string {
	if n < 0 {
		n = 0
	}
	return humanize.IBytes(uint64(n))
}
