package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/derivelabs/derive/internal/diff"
)

// NewDiffCommand creates the diff command: read-only comparison of
// declared state and database state.
//
// Exit codes: 0 when the states match; otherwise 100 plus flag bits
// (1: excess database-side objects, 2: excess declared objects, 3:
// both). The codes are part of the CLI contract for CI scripting.
func NewDiffCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "diff <manifest>",
		Short: "Show differences between declared state and database state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entities, orch, cleanup, err := setup(opts, args[0])
			if err != nil {
				return err
			}
			defer cleanup()

			result, plan, err := orch.Diff(cmd.Context(), entities)
			if err != nil {
				return WrapExitError(ExitFailure, "diff failed", err)
			}

			out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
			if result.Clean() {
				if opts.Format == "text" {
					fmt.Fprintln(cmd.OutOrStdout(), "No differences.")
				} else {
					out.PrintPlan(plan, false)
				}
				return nil
			}
			if err := out.PrintPlan(plan, opts.Verbose); err != nil {
				return err
			}

			code := ExitDiffBase
			if len(result.Refs(diff.Drop)) > 0 {
				code |= ExitDiffExcessDB
			}
			if len(result.Refs(diff.Create)) > 0 || len(result.Refs(diff.Recreate)) > 0 {
				code |= ExitDiffExcessSource
			}
			return NewExitError(code, "differences found")
		},
	}
}
