package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/derivelabs/derive/internal/graph"
	"github.com/derivelabs/derive/internal/manifest"
	"github.com/derivelabs/derive/internal/sync"
)

// NewGraphCommand creates the graph command: export the dependency
// edge list for external diagram rendering. Needs no database.
func NewGraphCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "graph <manifest>",
		Short: "Print the dependency edge list",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entities, err := manifest.Load(args[0])
			if err != nil {
				return WrapExitError(ExitCommandError, "load manifest", err)
			}
			edges, err := sync.ExportGraph(entities)
			if err != nil {
				return WrapExitError(ExitFailure, "graph build failed", err)
			}

			if opts.Format == "json" {
				type edgeJSON struct {
					From      string `json:"from"`
					To        string `json:"to"`
					Unmanaged bool   `json:"unmanaged,omitempty"`
				}
				out := make([]edgeJSON, len(edges))
				for i, e := range edges {
					out[i] = edgeJSON{From: e.From.String(), To: e.To.String(), Unmanaged: e.Unmanaged}
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(out)
			}

			for _, e := range edges {
				fmt.Fprintln(cmd.OutOrStdout(), graph.FormatEdge(e))
			}
			return nil
		},
	}
}
