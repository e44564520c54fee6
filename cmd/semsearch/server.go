package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/semsearch/internal/api"
	"github.com/kalambet/semsearch/internal/composer"
	"github.com/kalambet/semsearch/internal/config"
	"github.com/kalambet/semsearch/internal/embed"
	"github.com/kalambet/semsearch/internal/ingest"
	"github.com/kalambet/semsearch/internal/llm"
	"github.com/kalambet/semsearch/internal/rag"
	"github.com/kalambet/semsearch/internal/session"
	"github.com/kalambet/semsearch/internal/vectorstore"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the semsearch server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running semsearch server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show semsearch system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(storePath string) string {
	return filepath.Join(filepath.Dir(storePath), "semsearch.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

// buildStore selects the vector store backend from config.
func buildStore(cfg config.Config) (vectorstore.VectorStore, func() error, error) {
	switch cfg.Store.Backend {
	case "sqlite":
		store, err := vectorstore.OpenSQLiteStore(cfg.Store.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("opening sqlite store: %w", err)
		}
		return store, store.Close, nil
	default:
		store := vectorstore.NewQdrantStore(cfg.Qdrant.URL, cfg.Qdrant.APIKey)
		return store, func() error { return nil }, nil
	}
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "semsearch version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	// Check for an already running instance before taking the PID file.
	pidPath := pidFilePath(cfg.Store.Path)
	healthURL := fmt.Sprintf("http://%s:%d/health", cfg.Server.Host, cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("semsearch is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("semsearch is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := buildStore(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeStore(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing store: %v\n", err)
		}
	}()
	slog.Info("vector store ready", "backend", cfg.Store.Backend)

	embedder := embed.NewClient(cfg.Embedding.BaseURL, cfg.Embedding.APIKey, cfg.Embedding.Model, cfg.Embedding.Dimension)
	generator := llm.NewClientWithBaseURL(cfg.LLM.APIKey, cfg.LLM.BaseURL, cfg.LLM.Model, cfg.LLM.MaxTokens, cfg.LLM.Temperature)

	chunker, err := ingest.NewChunker(cfg.Ingest.ChunkSize, cfg.Ingest.ChunkOverlap)
	if err != nil {
		return fmt.Errorf("configuring chunker: %w", err)
	}
	ingestor := ingest.NewIngestor(store, embedder, chunker, cfg.Ingest.BatchSize)

	sessions := session.NewStore(store, cfg.Chat.SessionCollection, cfg.Embedding.Dimension)
	if err := sessions.Init(ctx); err != nil {
		return fmt.Errorf("initializing session store: %w", err)
	}

	comp := composer.New(cfg.Chat.PromptBudget)
	pipe := rag.NewPipeline(embedder, store, generator, sessions, comp, cfg.Retrieval.TopK, cfg.Chat.MaxHistoryTurns)

	handler := api.NewHandler(api.Deps{
		Store:     store,
		Pipeline:  pipe,
		Ingestor:  ingestor,
		Sessions:  sessions,
		Dimension: cfg.Embedding.Dimension,
		Token:     cfg.Server.APIToken,
	})

	// MCP server on stdio, alongside the HTTP API.
	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Store:     store,
		Pipeline:  pipe,
		Retriever: pipe,
		Ingestor:  ingestor,
	})
	stdioSrv := server.NewStdioServer(mcpSrv)
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("MCP stdio server error", "error", err)
		}
	}()
	slog.Info("MCP server started (stdio transport)")

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "semsearch listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Store.Path)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("semsearch is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop semsearch (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to semsearch (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(serverURL + "/health")
	running := false
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == 200 {
			running = true
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	printStatus("Store backend", "%s", cfg.Store.Backend)
	if cfg.Store.Backend == "qdrant" {
		printStatus("Qdrant", "%s", cfg.Qdrant.URL)
	} else {
		printStatus("Store path", "%s", cfg.Store.Path)
	}
	printStatus("Embedding model", "%s (dim %d)", cfg.Embedding.Model, cfg.Embedding.Dimension)
	printStatus("LLM model", "%s", cfg.LLM.Model)

	if running {
		apiClient, err := newAPIClient()
		if err == nil {
			listResp, err := apiClient.get(context.Background(), "/api/collections")
			if err == nil {
				var body struct {
					Collections []string `json:"collections"`
				}
				if decodeJSON(listResp, &body) == nil {
					printStatus("Collections", "%d", len(body.Collections))
				}
			}
		}
	}

	return nil
}
