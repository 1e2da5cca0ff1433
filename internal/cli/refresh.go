package cli

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/derivelabs/derive/internal/entity"
	"github.com/derivelabs/derive/internal/sync"
)

// NewRefreshCommand creates the refresh command: refresh materialized
// views in dependency order, optionally limited to the views that
// transitively depend on given root objects (usually the unmanaged
// tables whose data just changed).
func NewRefreshCommand(opts *RootOptions) *cobra.Command {
	var (
		txdiscipline string
		below        []string
	)

	cmd := &cobra.Command{
		Use:   "refresh <manifest>",
		Short: "Refresh materialized views, in dependency order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			discipline, err := sync.ParseDiscipline(txdiscipline)
			if err != nil {
				return WrapExitError(ExitCommandError, "bad --txdiscipline", err)
			}
			entities, orch, cleanup, err := setup(opts, args[0])
			if err != nil {
				return err
			}
			defer cleanup()

			roots := make([]entity.Ref, 0, len(below))
			for _, b := range below {
				roots = append(roots, parseRootRef(b))
			}

			report, err := orch.Refresh(cmd.Context(), entities, roots, discipline)
			if err != nil {
				return WrapExitError(ExitFailure, "refresh failed", err)
			}
			out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
			if err := out.PrintReport(report, opts.Verbose); err != nil {
				return err
			}
			if report.Err != nil {
				return WrapExitError(ExitFailure, "refresh aborted", report.Err)
			}
			return nil
		},
	}

	addTxDisciplineFlag(cmd, &txdiscipline)
	cmd.Flags().StringSliceVarP(&below, "below", "b", nil,
		"limit to views depending on these objects (e.g. public.orders)")
	return cmd
}

// parseRootRef accepts "name" or "schema.name".
func parseRootRef(s string) entity.Ref {
	if i := strings.IndexByte(s, '.'); i >= 0 {
		return entity.Ref{Schema: s[:i], Name: s[i+1:]}
	}
	return entity.NewRef(s)
}
