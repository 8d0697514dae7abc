package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/coupon-clipper/internal/config"
	"github.com/xkilldash9x/coupon-clipper/internal/engine"
	"github.com/xkilldash9x/coupon-clipper/internal/sites"
)

// newClipCmd creates the `clip` command, one pass over every stored site.
func newClipCmd(d *deps) *cobra.Command {
	var selected []string
	var includeDisabled bool

	clipCmd := &cobra.Command{
		Use:   "clip",
		Short: "Clip coupons for every stored site",
		Long: `Loads the sites from the data repository, runs each enabled site in its own
browser environment and pushes the updated cookie jars back.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			d.cfg.Clip = config.ClipConfig{Sites: selected, IncludeDisabled: includeDisabled}

			registry, err := sites.NewRegistry(d.logger)
			if err != nil {
				return err
			}
			repo, err := d.repository(registry.Names())
			if err != nil {
				return err
			}
			defer func() { _ = repo.Close() }()

			runner, err := d.newRunner(d.cfg, d.logger)
			if err != nil {
				return fmt.Errorf("failed to initialize session orchestrator: %w", err)
			}

			var opts []engine.Option
			j, closeJournal := d.runJournal(ctx)
			defer closeJournal()
			if j != nil {
				opts = append(opts, engine.WithJournal(j))
			}

			eng, err := engine.New(runner, repo, registry, d.logger, opts...)
			if err != nil {
				return err
			}

			summary, err := eng.ClipAll(ctx, d.cfg.Clip)
			fmt.Fprintf(cmd.OutOrStdout(), "Sites succeeded: %d, failed: %d, skipped: %d\n",
				summary.Succeeded, summary.Failed, summary.Skipped)
			return err
		},
	}

	clipCmd.Flags().StringSliceVarP(&selected, "site", "s", nil, "Only run these site kinds (repeatable). Named disabled kinds run too.")
	clipCmd.Flags().BoolVar(&includeDisabled, "include-disabled", false, "Also run site kinds that are disabled by default.")
	clipCmd.Flags().Bool("headless", true, "Run the browser without a window. (Overrides config/env)")

	return clipCmd
}
