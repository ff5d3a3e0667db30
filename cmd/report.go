// File: cmd/report.go
package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/datalayer-validator/api/schemas"
	"github.com/xkilldash9x/datalayer-validator/internal/config"
	"github.com/xkilldash9x/datalayer-validator/internal/observability"
	"github.com/xkilldash9x/datalayer-validator/internal/report"
	"github.com/xkilldash9x/datalayer-validator/internal/store"
)

// newReportCmd creates and configures the `report` command.
func newReportCmd(provider storeProvider) *cobra.Command {
	reportCmd := &cobra.Command{
		Use:   "report",
		Short: "Generate, list and export session reports",
	}
	reportCmd.AddCommand(newReportGenerateCmd(provider))
	reportCmd.AddCommand(newReportShowCmd(provider))
	reportCmd.AddCommand(newReportListCmd(provider))
	return reportCmd
}

func newReportGenerateCmd(provider storeProvider) *cobra.Command {
	var (
		sessionID     string
		title         string
		noScreenshots bool
		noRawData     bool
	)

	generateCmd := &cobra.Command{
		Use:   "generate",
		Short: "Aggregate a session's captures into a new report",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			opts := report.DefaultOptions()
			if cmd.Flags().Changed("title") {
				opts.Title = &title
			}
			opts.IncludeScreenshots = !noScreenshots
			opts.IncludeRawData = !noRawData

			r, err := runReportGenerate(ctx, observability.GetLogger(), cfg, sessionID, opts, provider)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), r)
		},
	}

	generateCmd.Flags().StringVar(&sessionID, "session-id", "", "The session to report on (required)")
	_ = generateCmd.MarkFlagRequired("session-id")
	generateCmd.Flags().StringVarP(&title, "title", "t", "", "Report title (default: Validation <session> - <date>)")
	generateCmd.Flags().BoolVar(&noScreenshots, "no-screenshots", false, "Leave screenshots out of the document")
	generateCmd.Flags().BoolVar(&noRawData, "no-raw-data", false, "Replace captured entries with their event name")
	return generateCmd
}

// runReportGenerate contains the core, testable logic for generating a report.
func runReportGenerate(
	ctx context.Context,
	logger *zap.Logger,
	cfg config.Interface,
	sessionID string,
	opts report.Options,
	provider storeProvider,
) (*schemas.Report, error) {
	logger.Info("Starting report generation", zap.String("session_id", sessionID))

	repo, cleanup, err := provider.Create(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	defer cleanup()

	r, err := report.NewAggregator(repo, cfg.Report().SuccessThreshold, logger).Generate(ctx, sessionID, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to generate report: %w", err)
	}
	return r, nil
}

func newReportShowCmd(provider storeProvider) *cobra.Command {
	var outputPath string

	showCmd := &cobra.Command{
		Use:   "show <report-id>",
		Short: "Print a stored report document as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			repo, cleanup, err := provider.Create(ctx, cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize store: %w", err)
			}
			defer cleanup()

			r, err := repo.GetReport(ctx, strings.TrimSpace(args[0]))
			if err != nil {
				return fmt.Errorf("failed to load report: %w", err)
			}

			if outputPath == "" {
				return printJSON(cmd.OutOrStdout(), r)
			}
			f, err := os.Create(outputPath)
			if err != nil {
				return fmt.Errorf("failed to create output file: %w", err)
			}
			if err := printJSON(f, r); err != nil {
				f.Close()
				return fmt.Errorf("failed to write report: %w", err)
			}
			return f.Close()
		},
	}

	showCmd.Flags().StringVarP(&outputPath, "output", "o", "", "Output file path. If unset, the report is printed to stdout.")
	return showCmd
}

func newReportListCmd(provider storeProvider) *cobra.Command {
	var (
		validity string
		search   string
		page     int
	)

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List reports, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			switch validity {
			case "", "valid", "invalid":
			default:
				return fmt.Errorf("--validity must be valid or invalid")
			}
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			repo, cleanup, err := provider.Create(ctx, cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize store: %w", err)
			}
			defer cleanup()

			reports, err := repo.ListReports(ctx, store.ReportFilter{Validity: validity, Search: search, Page: page})
			if err != nil {
				return fmt.Errorf("failed to list reports: %w", err)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tVALID\tSUCCESS\tTITLE\tCREATED")
			for _, r := range reports {
				fmt.Fprintf(w, "%s\t%t\t%d%%\t%s\t%s\n", r.ID, r.IsValid, r.Document.Summary.SuccessPercent, r.Title, r.CreatedAt.Format("2006-01-02 15:04"))
			}
			return w.Flush()
		},
	}

	listCmd.Flags().StringVar(&validity, "validity", "", "Only valid or invalid reports")
	listCmd.Flags().StringVarP(&search, "search", "s", "", "Case-insensitive match on title or session url")
	listCmd.Flags().IntVarP(&page, "page", "p", 1, "Page number, 10 reports per page")
	return listCmd
}
