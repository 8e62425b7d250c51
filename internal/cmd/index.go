package cmd

import (
	"fmt"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"github.com/MeKo-Tech/terrapoint/internal/catalog"
)

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Inspect and convert catalog index artifacts",
}

var indexInspectCmd = &cobra.Command{
	Use:   "inspect <artifact>",
	Short: "Validate an index artifact and print a summary",
	Args:  cobra.ExactArgs(1),
	RunE:  runIndexInspect,
}

var indexConvertCmd = &cobra.Command{
	Use:   "convert <in> <out>",
	Short: "Convert an index artifact between JSON and sqlite encodings",
	Args:  cobra.ExactArgs(2),
	RunE:  runIndexConvert,
}

func init() {
	rootCmd.AddCommand(indexCmd)
	indexCmd.AddCommand(indexInspectCmd)
	indexCmd.AddCommand(indexConvertCmd)
}

func runIndexInspect(cmd *cobra.Command, args []string) error {
	art, err := catalog.Load(args[0])
	if err != nil {
		return err
	}

	fmt.Printf("schema_version: %d\n", art.SchemaVersion)
	fmt.Printf("grid_cell_deg:  %g\n", art.Grid.CellDeg)
	fmt.Printf("grid_cells:     %d\n", len(art.Grid.Cells))
	fmt.Printf("datasets:       %d\n", art.CollectionsAvailable())
	fmt.Printf("files:          %d\n", len(art.Files))
	fmt.Printf("overlays:       %d\n", len(art.TiledOverlays))

	byProvider := make(map[string]int)
	for _, ds := range art.Datasets {
		byProvider[ds.Provider]++
	}
	providers := make([]string, 0, len(byProvider))
	for p := range byProvider {
		providers = append(providers, p)
	}
	sort.Strings(providers)
	for _, p := range providers {
		fmt.Printf("  provider %-12s %d datasets\n", p, byProvider[p])
	}
	return nil
}

func runIndexConvert(cmd *cobra.Command, args []string) error {
	art, err := catalog.Load(args[0])
	if err != nil {
		return err
	}

	out := args[1]
	switch filepath.Ext(out) {
	case ".json":
		return catalog.WriteJSON(out, art)
	case ".sqlite", ".db":
		return catalog.WriteSQLite(out, art)
	default:
		return fmt.Errorf("unknown output extension %q, want .json or .sqlite", filepath.Ext(out))
	}
}
