package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/54b3r/docqa-go/internal/completer"
	"github.com/54b3r/docqa-go/internal/embedder"
	"github.com/54b3r/docqa-go/internal/extractor"
	"github.com/54b3r/docqa-go/internal/pipeline"
	"github.com/54b3r/docqa-go/internal/rag"
	"github.com/54b3r/docqa-go/internal/server"
	"github.com/54b3r/docqa-go/internal/store"
)

// components bundles everything a command needs to run the QA flows, plus
// the readiness probes and a cleanup function releasing all resources.
type components struct {
	// pipe orchestrates the ingest, ask, and extraction flows.
	pipe *pipeline.Pipeline
	// history is the persistence layer. Nil when disabled.
	history store.HistoryStore
	// pingers are the dependency probes for GET /api/ready.
	pingers []server.Pinger
	// close releases the index, store, and other held resources.
	close func()
}

// buildComponents wires the embedder, completer, session index, extractor,
// and history store from the environment. The session index is backed by
// Qdrant when QDRANT_HOST is set and falls back to the in-memory index
// otherwise — a single-process mode that needs no external services beyond
// the model providers.
func buildComponents(ctx context.Context, log *slog.Logger) (*components, error) {
	if err := embedder.Validate(log); err != nil {
		return nil, err
	}

	emb, err := embedder.NewFromEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to initialise embedder: %w", err)
	}
	log.Info("embedder initialised",
		slog.String("provider", embedder.Backend()),
		slog.String("model", emb.Model()),
	)

	comp, err := completer.NewFromEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to initialise completer: %w", err)
	}

	minScore := getEnvFloat32("RETRIEVAL_MIN_SCORE", 0)

	var (
		index   rag.SessionIndex
		pingers []server.Pinger
	)
	if qdrantHost := os.Getenv("QDRANT_HOST"); qdrantHost != "" {
		qdrantPort := getEnvInt("QDRANT_PORT", 6334)
		collection := getEnvOrDefault("QDRANT_COLLECTION", "docqa-chunks")
		vectorSize := uint64(embedder.DefaultDimensions(embedder.Backend()))

		qIndex, err := rag.NewQdrantIndex(ctx, emb, &rag.QdrantConfig{
			Host:       qdrantHost,
			Port:       qdrantPort,
			Collection: collection,
			VectorSize: vectorSize,
			APIKey:     os.Getenv("QDRANT_API_KEY"),
			UseTLS:     os.Getenv("QDRANT_TLS") == "true",
			MinScore:   minScore,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to Qdrant at %s:%d: %w", qdrantHost, qdrantPort, err)
		}
		index = qIndex
		pingers = append(pingers, server.NewQdrantPinger(qIndex.Client()))
		log.Info("session index ready",
			slog.String("backend", "qdrant"),
			slog.String("host", qdrantHost),
			slog.Int("port", qdrantPort),
			slog.String("collection", collection),
		)
	} else {
		mIndex, err := rag.NewMemoryIndex(emb, &rag.MemoryConfig{MinScore: minScore})
		if err != nil {
			return nil, fmt.Errorf("failed to initialise in-memory index: %w", err)
		}
		index = mIndex
		log.Info("session index ready", slog.String("backend", "memory"))
	}

	if embedder.Backend() == "ollama" {
		pingers = append(pingers, server.NewHTTPPinger("ollama",
			getEnvOrDefault("OLLAMA_HOST", "http://localhost:11434")))
	}

	gotenberg := extractor.NewGotenbergFromEnv()
	if gotenberg != nil {
		pingers = append(pingers, server.NewHTTPPinger("gotenberg",
			os.Getenv("GOTENBERG_URL")+"/health"))
		log.Info("gotenberg conversion enabled", slog.String("url", os.Getenv("GOTENBERG_URL")))
	}
	ext := extractor.New(gotenberg)

	retriever, err := rag.NewRetriever(emb, index, getEnvInt("RETRIEVAL_TOP_K", 0))
	if err != nil {
		_ = index.Close()
		return nil, err
	}

	history := openHistory(log)

	pipe, err := pipeline.New(ext, index, retriever, comp, history, pipeline.Config{
		TopK:             getEnvInt("RETRIEVAL_TOP_K", 0),
		ChunkSize:        getEnvInt("CHUNK_SIZE", 0),
		ChunkOverlap:     getEnvInt("CHUNK_OVERLAP", 0),
		MaxContextTokens: getEnvInt("MAX_CONTEXT_TOKENS", 0),
	})
	if err != nil {
		_ = index.Close()
		if history != nil {
			_ = history.Close()
		}
		return nil, err
	}

	return &components{
		pipe:    pipe,
		history: history,
		pingers: pingers,
		close: func() {
			_ = index.Close()
			if history != nil {
				_ = history.Close()
			}
		},
	}, nil
}

// openHistory opens the history store. DOCQA_HISTORY_DB overrides the
// default path (~/.docqa/history.db); "disabled" turns persistence off.
// Failures degrade to no persistence rather than aborting startup.
func openHistory(log *slog.Logger) store.HistoryStore {
	dbPath := os.Getenv("DOCQA_HISTORY_DB")
	if dbPath == "disabled" {
		log.Info("history: disabled via DOCQA_HISTORY_DB=disabled")
		return nil
	}
	if dbPath == "" {
		var err error
		dbPath, err = store.DefaultDBPath()
		if err != nil {
			log.Warn("history: could not resolve default DB path, disabling", slog.Any("error", err))
			return nil
		}
	}
	hs, err := store.Open(dbPath)
	if err != nil {
		log.Warn("history: failed to open store, disabling", slog.Any("error", err))
		return nil
	}
	log.Info("history: store opened", slog.String("path", dbPath))
	return hs
}

// getEnvOrDefault returns the value of the named environment variable, or
// fallback if the variable is unset or empty.
func getEnvOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// getEnvInt returns the integer value of the named environment variable, or
// fallback if the variable is unset, empty, or not parseable.
func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

// getEnvFloat32 returns the float value of the named environment variable,
// or fallback if the variable is unset, empty, or not parseable.
func getEnvFloat32(key string, fallback float32) float32 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 32); err == nil {
			return float32(f)
		}
	}
	return fallback
}
