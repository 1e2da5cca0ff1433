package cli

import (
	"github.com/spf13/cobra"

	"github.com/derivelabs/derive/internal/catalog"
	"github.com/derivelabs/derive/internal/entity"
	"github.com/derivelabs/derive/internal/manifest"
	"github.com/derivelabs/derive/internal/sync"
)

// NewSyncCommand creates the sync command: full reconcile of the
// manifest against the database.
func NewSyncCommand(opts *RootOptions) *cobra.Command {
	var txdiscipline string

	cmd := &cobra.Command{
		Use:   "sync <manifest>",
		Short: "Reconcile declared database objects with the live database",
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

			report, err := orch.Sync(cmd.Context(), entities, discipline)
			if err != nil {
				return WrapExitError(ExitFailure, "sync failed", err)
			}
			out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
			if err := out.PrintReport(report, opts.Verbose); err != nil {
				return err
			}
			if report.Err != nil {
				return WrapExitError(ExitFailure, "sync aborted", report.Err)
			}
			return nil
		},
	}

	addTxDisciplineFlag(cmd, &txdiscipline)
	return cmd
}

func addTxDisciplineFlag(cmd *cobra.Command, dest *string) {
	cmd.Flags().StringVarP(dest, "txdiscipline", "t", string(sync.DisciplineJumbo),
		`transaction discipline: "jumbo" runs one all-or-nothing transaction, `+
			`"checkpoint" commits per action, "dryrun" executes nothing`)
}

// setup loads the manifest and connects to the database, returning the
// declared entities and a wired orchestrator.
func setup(opts *RootOptions, manifestPath string) ([]entity.Entity, *sync.Orchestrator, func(), error) {
	entities, err := manifest.Load(manifestPath)
	if err != nil {
		return nil, nil, nil, WrapExitError(ExitCommandError, "load manifest", err)
	}
	if opts.DBURL == "" {
		return nil, nil, nil, NewExitError(ExitCommandError,
			"no database given: set --dburl or $"+EnvDBURL)
	}
	cat, err := catalog.Open(opts.DBURL)
	if err != nil {
		return nil, nil, nil, WrapExitError(ExitCommandError, "connect", err)
	}
	orch := sync.New(cat, cat, cat, opts.Logger())
	return entities, orch, func() { cat.Close() }, nil
}
