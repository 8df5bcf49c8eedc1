package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/avaplatform/ava/internal/domain"
	"github.com/avaplatform/ava/internal/export"
	"github.com/avaplatform/ava/internal/persistence"
)

func newExportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export assembled data",
	}
	cmd.AddCommand(newExportTrainingCmd())
	return cmd
}

func newExportTrainingCmd() *cobra.Command {
	var (
		inMemory bool
		format   string
		outPath  string
		siteURL  string
		outcome  string
		fromStr  string
		toStr    string
		limit    int
	)

	cmd := &cobra.Command{
		Use:   "training",
		Short: "Export training datapoints as jsonl, csv, or finetune chat records",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := buildApp(cmd.Context(), cfg, inMemory)
			if err != nil {
				return err
			}
			defer a.Close()

			f := persistence.DatapointFilter{
				SiteURL: siteURL,
				Outcome: domain.InterventionStatus(outcome),
				Limit:   limit,
			}
			if fromStr != "" || toStr != "" {
				tr, err := parseRange(fromStr, toStr)
				if err != nil {
					return fmt.Errorf("%w: %v", errConfig, err)
				}
				f.Range = &tr
			}

			dps, err := a.repo.Datapoints.List(cmd.Context(), f)
			if err != nil {
				return err
			}

			var w io.Writer = os.Stdout
			if outPath != "" {
				file, err := os.Create(outPath)
				if err != nil {
					return err
				}
				defer file.Close()
				w = file
			}

			switch format {
			case "jsonl":
				err = export.WriteJSONL(w, dps)
			case "csv":
				err = export.WriteCSV(w, dps)
			case "finetune":
				err = export.WriteFineTuneJSONL(w, dps)
			default:
				return fmt.Errorf("%w: format must be jsonl, csv, or finetune", errConfig)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "exported %d datapoints\n", len(dps))
			return nil
		},
	}

	cmd.Flags().BoolVar(&inMemory, "in-memory", false, "use the in-process store instead of PostgreSQL")
	cmd.Flags().StringVar(&format, "format", "jsonl", "output format: jsonl, csv, finetune")
	cmd.Flags().StringVar(&outPath, "out", "", "output file (default stdout)")
	cmd.Flags().StringVar(&siteURL, "site", "", "filter by site url")
	cmd.Flags().StringVar(&outcome, "outcome", "", "filter by outcome status")
	cmd.Flags().StringVar(&fromStr, "from", "", "window start (RFC 3339)")
	cmd.Flags().StringVar(&toStr, "to", "", "window end (RFC 3339)")
	cmd.Flags().IntVar(&limit, "limit", 10000, "maximum records")
	return cmd
}

func parseRange(fromStr, toStr string) (persistence.TimeRange, error) {
	tr := persistence.TimeRange{From: time.Unix(0, 0).UTC(), To: time.Now().UTC()}
	if fromStr != "" {
		t, err := time.Parse(time.RFC3339, fromStr)
		if err != nil {
			return tr, fmt.Errorf("invalid --from: %v", err)
		}
		tr.From = t
	}
	if toStr != "" {
		t, err := time.Parse(time.RFC3339, toStr)
		if err != nil {
			return tr, fmt.Errorf("invalid --to: %v", err)
		}
		tr.To = t
	}
	return tr, nil
}
