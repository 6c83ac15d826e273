package main

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/nainya/vizmeta/pkg/metadata"
)

type inspectOptions struct {
	visualization string
	find          string
	dimensions    []string
	noColor       bool
}

func newInspectCmd() *cobra.Command {
	opts := &inspectOptions{}

	cmd := &cobra.Command{
		Use:   "inspect <bundle.json>",
		Short: "Load a metadata bundle and print the resulting store",
		Long: `Load a JSON metadata bundle as the protected initial set, optionally swap in
the metadata of a visualization, and print the stored records.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(cmd.OutOrStdout(), args[0], opts)
		},
	}

	cmd.Flags().StringVar(&opts.visualization, "visualization", "", "visualization definition to apply")
	cmd.Flags().StringVar(&opts.find, "find", "", "only print records whose id or name contains this text")
	cmd.Flags().StringSliceVar(&opts.dimensions, "dimension", nil, "resolve a compound dimension id (repeatable)")
	cmd.Flags().BoolVar(&opts.noColor, "no-color", false, "disable colored output")
	return cmd
}

func runInspect(w io.Writer, bundlePath string, opts *inspectOptions) error {
	bundle, err := loadJSONFile(bundlePath)
	if err != nil {
		return err
	}

	store, err := metadata.NewStore(bundle)
	if err != nil {
		return fmt.Errorf("failed to load bundle: %w", err)
	}

	if opts.visualization != "" {
		data, err := os.ReadFile(opts.visualization)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", opts.visualization, err)
		}
		if err := store.SetVisualizationMetadata(data); err != nil {
			return fmt.Errorf("failed to apply visualization: %w", err)
		}
	}

	diag := store.EnableDiagnostics()
	items := diag.Filter(nil)
	if opts.find != "" {
		items = diag.Find(opts.find)
	}

	header := color.New(color.Bold, color.FgCyan)
	protected := color.New(color.FgYellow)
	dim := color.New(color.FgHiBlack)
	if opts.noColor {
		header.DisableColor()
		protected.DisableColor()
		dim.DisableColor()
	}

	idWidth, kindWidth := len("ID"), len("KIND")
	for _, item := range items {
		idWidth = max(idWidth, len(item.ID()))
		kindWidth = max(kindWidth, len(item.Kind().String()))
	}

	header.Fprintf(w, "%-*s  %-*s  %s\n", idWidth, "ID", kindWidth, "KIND", "NAME")
	for _, item := range items {
		line := fmt.Sprintf("%-*s  %-*s  %s", idWidth, item.ID(), kindWidth, item.Kind(), item.Name())
		if store.IsProtected(item.ID()) {
			protected.Fprintln(w, line+" *")
			continue
		}
		fmt.Fprintln(w, line)
	}
	dim.Fprintf(w, "%d of %d records (* protected)\n", len(items), store.Len())

	for _, id := range opts.dimensions {
		if err := printDimension(w, store, id, header); err != nil {
			return err
		}
	}
	return nil
}

func printDimension(w io.Writer, store *metadata.Store, id string, header *color.Color) error {
	dm, err := store.GetDimensionMetadata(id)
	if err != nil {
		return fmt.Errorf("dimension %q: %w", id, err)
	}

	header.Fprintf(w, "\n%s\n", id)
	row := func(label, value string, item *metadata.Item) {
		if value == "" {
			return
		}
		if item != nil && item.Name() != "" {
			value += " (" + item.Name() + ")"
		}
		fmt.Fprintf(w, "  %-12s %s\n", label+":", value)
	}
	row("dimension", dm.DimensionID, dm.Dimension)
	row("program", dm.ProgramID, dm.Program)
	row("stage", dm.ProgramStageID, dm.ProgramStage)
	row("repetition", dm.RepetitionIndex, nil)
	row("unresolved", dm.UnresolvedSegment, nil)
	return nil
}
