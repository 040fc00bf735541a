package cli

import (
	"errors"
	"fmt"

	"github.com/fatih/color"
	"github.com/kilupskalvis/binstore/internal/digest"
	"github.com/kilupskalvis/binstore/internal/refstore"
	"github.com/spf13/cobra"
)

var refCmd = &cobra.Command{
	Use:   "ref",
	Short: "Manage document references to binaries",
	Long: `Manage which documents reference which binaries.

Garbage collection keeps every referenced binary.

Examples:
  binstore ref add invoice-42 <digest>    Reference a binary
  binstore ref rm invoice-42 <digest>     Drop one reference
  binstore ref rm invoice-42              Drop all references of a document
  binstore ref ls invoice-42              List a document's references`,
}

var refAddCmd = &cobra.Command{
	Use:   "add <doc> <digest>...",
	Short: "Record references from a document",
	Args:  cobra.MinimumNArgs(2),
	Run:   runRefAdd,
}

var refRemoveCmd = &cobra.Command{
	Use:     "remove <doc> [digest...]",
	Aliases: []string{"rm"},
	Short:   "Remove references from a document",
	Args:    cobra.MinimumNArgs(1),
	Run:     runRefRemove,
}

var refListCmd = &cobra.Command{
	Use:     "list <doc>",
	Aliases: []string{"ls"},
	Short:   "List a document's references",
	Args:    cobra.ExactArgs(1),
	Run:     runRefList,
}

func init() {
	refCmd.AddCommand(refAddCmd)
	refCmd.AddCommand(refRemoveCmd)
	refCmd.AddCommand(refListCmd)
}

func runRefAdd(cmd *cobra.Command, args []string) {
	ctx := cmd.Context()
	c := initFullContext(ctx)
	defer c.Close()

	doc := args[0]
	for _, hex := range args[1:] {
		d, err := digest.Parse(hex)
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
		if err := c.Refs.AddRef(ctx, doc, d.Hex); err != nil {
			exitError("failed to add reference: %v", err)
		}
	}
	fmt.Printf("Added %d reference(s) to '%s'\n", len(args)-1, doc)
}

func runRefRemove(cmd *cobra.Command, args []string) {
	ctx := cmd.Context()
	c := initFullContext(ctx)
	defer c.Close()

	doc := args[0]
	if len(args) == 1 {
		if err := c.Refs.RemoveDocument(ctx, doc); err != nil {
			exitError("failed to remove references: %v", err)
		}
		fmt.Printf("Removed all references of '%s'\n", doc)
		return
	}

	for _, hex := range args[1:] {
		d, err := digest.Parse(hex)
		if err != nil {
			exitError("%v", err)
		}
		if err := c.Refs.RemoveRef(ctx, doc, d.Hex); err != nil {
			exitError("failed to remove reference: %v", err)
		}
	}
	fmt.Printf("Removed %d reference(s) from '%s'\n", len(args)-1, doc)
}

func runRefList(cmd *cobra.Command, args []string) {
	ctx := cmd.Context()
	c := initFullContext(ctx)
	defer c.Close()

	refs, err := c.Refs.ListRefs(ctx, args[0])
	if errors.Is(err, refstore.ErrNotFound) {
		fmt.Printf("No references for '%s'\n", args[0])
		return
	}
	if err != nil {
		exitError("%v", err)
	}

	red := color.New(color.FgRed)
	for _, hex := range refs {
		b, err := c.Manager.GetBinary(ctx, hex)
		switch {
		case err != nil:
			exitError("%v", err)
		case b == nil:
			red.Printf("%s  (missing)\n", hex)
		default:
			fmt.Printf("%s  %d bytes\n", hex, b.Length)
		}
	}
}
