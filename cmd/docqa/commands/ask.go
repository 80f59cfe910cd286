package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/54b3r/docqa-go/internal/logging"
	"github.com/54b3r/docqa-go/internal/rag"
)

// NewAskCmd constructs the `docqa ask` command, which answers a single
// question from a session's documents and prints the answer to stdout.
func NewAskCmd() *cobra.Command {
	var owner string
	var session string

	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Ask a question against a session's documents",
		Long: `Answer a natural-language question strictly from the documents
previously ingested into the session identified by --owner and --session.

Requires QDRANT_HOST so the session index outlives the ingest command.

Examples:
  docqa ask --owner alice --session trial-7 "what was the final dosage?"
  docqa ask -o alice -s trial-7 "summarize the lab results"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := logging.New()
			ctx = logging.WithLogger(ctx, log)

			scope := rag.Scope{OwnerID: owner, SessionID: session}
			if !scope.Valid() {
				return fmt.Errorf("ask: --owner and --session are required")
			}

			comps, err := buildComponents(ctx, log)
			if err != nil {
				return fmt.Errorf("ask: %w", err)
			}
			defer comps.close()

			answer, err := comps.pipe.Ask(ctx, scope, args[0])
			if err != nil {
				return fmt.Errorf("ask: %w", err)
			}

			fmt.Println(answer.Text)
			return nil
		},
	}

	cmd.Flags().StringVarP(&owner, "owner", "o", "", "Owner identifier for the session scope")
	cmd.Flags().StringVarP(&session, "session", "s", "", "Session identifier for the session scope")

	return cmd
}
