package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"arcesc/integrations/exports"
)

func (c *cli) exportCmd() *cobra.Command {
	var format, out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export every escrow with its settlement",
		Example: `  escrowctl export --format csv --out escrows.csv
  escrowctl export --format parquet --out escrows.parquet`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			format = strings.ToLower(strings.TrimSpace(format))
			if format == "parquet" && out == "" {
				return fmt.Errorf("--out is required for parquet exports")
			}
			registry, err := c.registry(cmd.Context())
			if err != nil {
				return err
			}
			oracle, err := c.oracle(cmd.Context())
			if err != nil {
				return err
			}
			records, err := exports.Collect(cmd.Context(), registry, oracle)
			if err != nil {
				return err
			}

			var w io.Writer = cmd.OutOrStdout()
			if out != "" {
				file, err := os.Create(out)
				if err != nil {
					return fmt.Errorf("create %s: %w", out, err)
				}
				defer file.Close()
				w = file
			}

			var checksum string
			switch format {
			case "csv":
				data, sum, err := exports.EscrowsCSV(records)
				if err != nil {
					return err
				}
				if _, err := w.Write(data); err != nil {
					return err
				}
				checksum = sum
			case "jsonl":
				data, sum, err := exports.EscrowsJSONL(records)
				if err != nil {
					return err
				}
				if _, err := w.Write(data); err != nil {
					return err
				}
				checksum = sum
			case "parquet":
				if err := exports.WriteEscrowsParquet(w, records); err != nil {
					return err
				}
			default:
				return fmt.Errorf("unsupported format %q (csv, jsonl or parquet)", format)
			}
			if out != "" {
				fmt.Fprintf(cmd.ErrOrStderr(), "wrote %d records to %s", len(records), out)
				if checksum != "" {
					fmt.Fprintf(cmd.ErrOrStderr(), " (sha256 %s)", checksum)
				}
				fmt.Fprintln(cmd.ErrOrStderr())
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", "csv", "csv, jsonl or parquet")
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file (defaults to stdout)")
	return cmd
}
