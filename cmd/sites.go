package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/coupon-clipper/internal/sites"
	"github.com/xkilldash9x/coupon-clipper/internal/store"
)

// newSitesCmd creates the `sites` command. It lists the stored sites and,
// with a journal configured, the outcome of their last run. Secrets are
// never printed.
func newSitesCmd(d *deps) *cobra.Command {
	return &cobra.Command{
		Use:   "sites",
		Short: "List the stored sites",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			registry, err := sites.NewRegistry(d.logger)
			if err != nil {
				return err
			}
			repo, err := d.repository(registry.Names())
			if err != nil {
				return err
			}
			defer func() { _ = repo.Close() }()

			stored, err := repo.LoadSites(ctx)
			if err != nil {
				return err
			}

			statuses := make(map[string]store.Status)
			j, closeJournal := d.runJournal(ctx)
			defer closeJournal()
			if j != nil {
				list, err := j.Statuses(ctx)
				if err != nil {
					d.logger.Warn("Could not read run history.", zap.Error(err))
				}
				for _, st := range list {
					statuses[st.Kind+"/"+st.Login] = st
				}
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "KIND\tLOGIN\tSTATE\tCOOKIES\tLAST CLEAN\tLAST RUN")
			for _, s := range stored {
				state := "enabled"
				if k, ok := registry.Lookup(s.Kind); ok && k.Disabled {
					state = "disabled"
				}
				lastRun := "-"
				if st, ok := statuses[s.Kind+"/"+s.Auth.Login]; ok {
					lastRun = fmt.Sprintf("%s %s", st.LastOutcome, st.LastRunAt.UTC().Format(time.RFC3339))
					if st.ConsecutiveFailures > 1 {
						lastRun += fmt.Sprintf(" (%d in a row)", st.ConsecutiveFailures)
					}
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
					s.Kind, s.Auth.Login, state, s.Cookies.Len(),
					s.LastCleanTimestamp.UTC().Format(time.RFC3339), lastRun)
			}
			return w.Flush()
		},
	}
}
