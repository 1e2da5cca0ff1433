package cli

import (
	"github.com/spf13/cobra"

	"github.com/derivelabs/derive/internal/catalog"
	"github.com/derivelabs/derive/internal/entity"
	"github.com/derivelabs/derive/internal/manifest"
	"github.com/derivelabs/derive/internal/sync"
)

// NewNukeCommand creates the nuke command: drop every managed object
// the catalog knows about, declared or not. The manifest is optional;
// when given, its dependency graph orders the drops.
func NewNukeCommand(opts *RootOptions) *cobra.Command {
	var txdiscipline string

	cmd := &cobra.Command{
		Use:   "nuke [manifest]",
		Short: "Drop all managed database objects",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			discipline, err := sync.ParseDiscipline(txdiscipline)
			if err != nil {
				return WrapExitError(ExitCommandError, "bad --txdiscipline", err)
			}

			var entities []entity.Entity
			if len(args) == 1 {
				entities, err = manifest.Load(args[0])
				if err != nil {
					return WrapExitError(ExitCommandError, "load manifest", err)
				}
			}
			if opts.DBURL == "" {
				return NewExitError(ExitCommandError,
					"no database given: set --dburl or $"+EnvDBURL)
			}
			cat, err := catalog.Open(opts.DBURL)
			if err != nil {
				return WrapExitError(ExitCommandError, "connect", err)
			}
			defer cat.Close()

			orch := sync.New(cat, cat, cat, opts.Logger())
			report, err := orch.Nuke(cmd.Context(), entities, discipline)
			if err != nil {
				return WrapExitError(ExitFailure, "nuke failed", err)
			}
			out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
			if err := out.PrintReport(report, opts.Verbose); err != nil {
				return err
			}
			if report.Err != nil {
				return WrapExitError(ExitFailure, "nuke aborted", report.Err)
			}
			return nil
		},
	}

	addTxDisciplineFlag(cmd, &txdiscipline)
	return cmd
}
