package commands

import (
	"fmt"
	"log/slog"
	"mime"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/54b3r/docqa-go/internal/logging"
	"github.com/54b3r/docqa-go/internal/pipeline"
	"github.com/54b3r/docqa-go/internal/rag"
)

// NewIngestCmd constructs the `docqa ingest` command, which indexes local
// files into a scoped session without going through the HTTP API.
func NewIngestCmd() *cobra.Command {
	var owner string
	var session string

	cmd := &cobra.Command{
		Use:   "ingest [files...]",
		Short: "Ingest local documents into a scoped session",
		Long: `Extract, chunk, embed, and index local documents into the session
identified by --owner and --session.

Supported formats: plain text, CSV, PDF. Office documents (docx, xlsx,
pptx, odt, ...) are supported when GOTENBERG_URL points at a Gotenberg
conversion service. Files that cannot be processed are skipped; the rest
still index.

With QDRANT_HOST set the chunks persist in Qdrant and are queryable by a
separately running server. Without it this command indexes into process
memory, which is only useful for smoke-testing the extraction path.

Examples:
  docqa ingest --owner alice --session trial-7 report.pdf notes.txt
  QDRANT_HOST=localhost docqa ingest --owner alice --session trial-7 data.csv`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := logging.New()
			ctx = logging.WithLogger(ctx, log)

			scope := rag.Scope{OwnerID: owner, SessionID: session}
			if !scope.Valid() {
				return fmt.Errorf("ingest: --owner and --session are required")
			}

			comps, err := buildComponents(ctx, log)
			if err != nil {
				return fmt.Errorf("ingest: %w", err)
			}
			defer comps.close()

			files := make([]pipeline.File, 0, len(args))
			for _, path := range args {
				data, err := os.ReadFile(path)
				if err != nil {
					return fmt.Errorf("ingest: read %s: %w", path, err)
				}
				files = append(files, pipeline.File{
					Name:     filepath.Base(path),
					MIMEType: mime.TypeByExtension(filepath.Ext(path)),
					Data:     data,
				})
			}

			results, err := comps.pipe.Ingest(ctx, scope, files)
			for _, res := range results {
				log.Info("ingest result",
					slog.String("file", res.Filename),
					slog.String("status", string(res.Status)),
					slog.Int("chunks", res.Chunks),
					slog.String("reason", res.Reason),
				)
			}
			if err != nil {
				return fmt.Errorf("ingest: %w", err)
			}

			log.Info("ingestion complete",
				slog.String("scope", scope.String()),
				slog.Int("files", len(files)),
			)
			return nil
		},
	}

	cmd.Flags().StringVarP(&owner, "owner", "o", "", "Owner identifier for the session scope")
	cmd.Flags().StringVarP(&session, "session", "s", "", "Session identifier for the session scope")

	return cmd
}
