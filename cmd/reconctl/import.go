package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/warp/invoice-recon/importer"
	"github.com/warp/invoice-recon/names"
)

var importCmd = &cobra.Command{
	Use:   "import <file.xlsx>",
	Short: "Load an invoice spreadsheet into the database",
	Long: `Import reads the first sheet of an invoice workbook and stores one line per
row. Clients and services are upserted by normalized name and each line's
manager text is resolved against users and their aliases.

Lines previously imported from the same source are replaced; other sources
are left untouched. Required columns: DATA, CLIENT, SERVEI, UNITATS, PREU,
TOTAL. Optional: GESTOR, SERIE, ALBARA, NUMERO.`,
	Example: `  # Import a monthly export
  reconctl import factures-2025-06.xlsx

  # Store lines under a different source name
  reconctl import /tmp/upload.xlsx --source factures-2025-06.xlsx`,
	Args: cobra.ExactArgs(1),
	RunE: runImport,
}

func init() {
	rootCmd.AddCommand(importCmd)
	importCmd.Flags().String("source", "", "Source name recorded on each line (default: file name)")
	importCmd.Flags().Int("chunk-size", importer.DefaultChunkSize, "Lines inserted per chunk")
}

func runImport(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	path := args[0]

	source, _ := cmd.Flags().GetString("source")
	if source == "" {
		source = filepath.Base(path)
	}
	chunkSize, _ := cmd.Flags().GetInt("chunk-size")
	if chunkSize <= 0 {
		return fmt.Errorf("chunk size must be positive")
	}

	rows, err := importer.ParseFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	im := importer.NewImporter(store, names.NewExactMatcher())
	im.ChunkSize = chunkSize

	out := cmd.OutOrStdout()
	sum, err := im.Import(ctx, source, rows, func(_ context.Context, processed, total int) error {
		fmt.Fprintf(out, "inserted %d/%d\n", processed, total)
		return nil
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "%s: %d rows, %d replaced, %d managers resolved, %d clients, %d services\n",
		sum.SourceFile, sum.Inserted, sum.Replaced, sum.Resolved, sum.Clients, sum.Services)
	return nil
}
