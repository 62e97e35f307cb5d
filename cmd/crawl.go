package cmd

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/review-crawler/internal/crawler"
)

// newCrawlCmd runs one synchronous crawl and prints the run report as JSON.
func newCrawlCmd() *cobra.Command {
	var (
		source    string
		companies []int64
	)
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Crawls reviews for the given companies once",
		Long: `Runs one crawl of the given companies against one source and prints the
run report. Only reviews newer than each company's last stored review are fetched.`,
		Example: "  reviewcrawler crawl --source yandex_maps --company 1 --company 2",
		RunE: func(cmd *cobra.Command, _ []string) error {
			src, err := crawler.ParseSource(source)
			if err != nil {
				return err
			}
			if len(companies) == 0 {
				return errors.New("at least one --company is required")
			}
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}

			report, err := appInstance.Crawl(cmd.Context(), src, companies)
			if err != nil {
				return fmt.Errorf("run crawl: %w", err)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				return fmt.Errorf("print report: %w", err)
			}
			appInstance.Logger().Info("crawl command finished",
				zap.String("source", string(src)),
				zap.Int("persisted", report.Persisted()),
			)
			if report.Err != "" {
				return fmt.Errorf("crawl aborted: %s", report.Err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&source, "source", "", "review source: two_gis or yandex_maps")
	cmd.Flags().Int64SliceVar(&companies, "company", nil, "company id (repeatable or comma-separated)")
	_ = cmd.MarkFlagRequired("source")
	return cmd
}
