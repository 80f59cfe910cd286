package commands

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/54b3r/docqa-go/internal/logging"
	"github.com/54b3r/docqa-go/internal/server"
)

// NewServeCmd constructs the `docqa serve` command, which starts the HTTP
// API server.
func NewServeCmd() *cobra.Command {
	var host string
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the docqa HTTP API server",
		Long: `Start the docqa HTTP server.

The server exposes the document QA API: POST /api/upload to ingest
documents into a scoped session, POST /api/ask to answer questions from
them, POST /api/extract for structured card extraction, and the session
history and lifecycle endpoints. Operational endpoints (/api/health,
/api/ready, /metrics) are always available.

Examples:
  docqa serve
  docqa serve --port 9090
  QDRANT_HOST=localhost MODEL_PROVIDER=openai docqa serve`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			log := logging.New()
			ctx = logging.WithLogger(ctx, log)

			log.Info("serve starting",
				slog.String("model_provider", getEnvOrDefault("MODEL_PROVIDER", "ollama")),
			)

			comps, err := buildComponents(ctx, log)
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			defer comps.close()

			srv, err := server.New(comps.pipe, comps.history, &server.Config{
				Host:    host,
				Port:    port,
				Logger:  log,
				Pingers: comps.pingers,
				APIKey:  os.Getenv("DOCQA_API_KEY"),
			})
			if err != nil {
				return fmt.Errorf("serve: failed to create server: %w", err)
			}

			return srv.Start(ctx)
		},
	}

	cmd.Flags().StringVar(&host, "host", getEnvOrDefault("SERVER_HOST", "127.0.0.1"), "Host address to bind to")
	cmd.Flags().IntVarP(&port, "port", "p", getEnvInt("SERVER_PORT", 8080), "TCP port to listen on")

	return cmd
}
