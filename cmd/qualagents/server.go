package main

import (
	"context"
	"encoding/json"
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

	"github.com/qualagents/qualagents/internal/analysis"
	"github.com/qualagents/qualagents/internal/api"
	"github.com/qualagents/qualagents/internal/config"
	"github.com/qualagents/qualagents/internal/memory"
	"github.com/qualagents/qualagents/internal/provider"
	"github.com/qualagents/qualagents/internal/registry"
	"github.com/qualagents/qualagents/internal/router"
	"github.com/qualagents/qualagents/internal/storage"
	"github.com/qualagents/qualagents/internal/stream"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the qualagents server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running qualagents server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show qualagents system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "qualagents.pid")
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

func runServer() error {
	fmt.Fprintf(os.Stderr, "qualagents version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Initialize structured logging.
	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	// Refuse a double start: check health endpoint, then write the PID file.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("qualagents is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("qualagents is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Open storage.
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	mem, err := memory.New(store.DB(), cfg.Memory.Dimensions)
	if err != nil {
		return fmt.Errorf("initializing memory store: %w", err)
	}

	// Providers: local Ollama when reachable, OpenAI as premium fallback.
	openai := provider.NewOpenAI(cfg.OpenAI.APIKey, cfg.OpenAI.ChatModel, cfg.OpenAI.EmbedModel)
	ollama := provider.NewOllama(cfg.Ollama.BaseURL, cfg.Ollama.ChatModel, cfg.Ollama.EmbedModel)

	routes := buildRoutes(cfg, ollama, openai)
	pipe := router.New(routes,
		router.WithHybridThreshold(cfg.Router.MaxLocalLen),
		router.WithEmbedDimensions(cfg.Memory.Dimensions),
	)

	reg, err := buildRegistry(cfg)
	if err != nil {
		return err
	}

	hub := stream.NewHub(logger)
	orch := analysis.New(store, mem, pipe, reg, hub, analysis.Options{
		Workers:         cfg.Analysis.Workers,
		JobTimeout:      cfg.Analysis.JobTimeoutDuration(),
		MemoryTopK:      cfg.Memory.TopK,
		MemoryMinScore:  cfg.Memory.MinScore,
		DefaultApproach: cfg.Analysis.DefaultApproach,
	}, logger)

	// Start the worker pool.
	go func() {
		if err := orch.Run(ctx); err != nil {
			slog.Error("worker pool stopped", "error", err)
		}
	}()

	// Build HTTP handler and server.
	handler := api.NewHandler(api.Deps{
		Analyses: orch,
		Memory:   mem,
		Embedder: pipe,
		Streams:  hub,
		Token:    cfg.Auth.APIToken,
		Logger:   logger,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	// Build and start MCP server (stdio transport in a goroutine).
	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Analyses: orch,
		Memory:   mem,
		Embedder: pipe,
		Recent:   store,
	})
	stdioSrv := server.NewStdioServer(mcpSrv)
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("MCP stdio server error", "error", err)
		}
	}()
	slog.Info("MCP server started (stdio transport)")

	// Start server in a goroutine.
	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "qualagents listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for signal or server error.
	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	// Graceful shutdown with timeout.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// buildRoutes assembles the per-capability provider preference lists. When
// Ollama is reachable it leads as the cost-reduced option with OpenAI as
// premium fallback; otherwise everything goes straight to OpenAI.
func buildRoutes(cfg config.Config, ollama *provider.Ollama, openai *provider.OpenAI) map[provider.Capability]router.Route {
	callTimeout := cfg.Router.CallTimeoutDuration()
	local := ollama.IsRunning(context.Background())
	if !local {
		slog.Warn("ollama not reachable, routing all capabilities to OpenAI", "base_url", cfg.Ollama.BaseURL)
	}

	route := func(mode router.Mode) router.Route {
		providers := []provider.Provider{openai}
		if local {
			providers = []provider.Provider{ollama, openai}
		} else {
			mode = router.ModeSingle
		}
		return router.Route{
			Mode:        mode,
			Providers:   providers,
			MaxRetries:  cfg.Router.MaxRetries,
			CallTimeout: callTimeout,
		}
	}

	return map[provider.Capability]router.Route{
		provider.CapabilityEmbedding:  route(router.ModeOrdered),
		provider.CapabilitySentiment:  route(router.ModeOrdered),
		provider.CapabilityExtraction: route(router.ModeHybrid),
	}
}

func buildRegistry(cfg config.Config) (registry.Registry, error) {
	if cfg.Registry.URL != "" {
		return registry.NewHTTP(cfg.Registry.URL, cfg.Registry.Token), nil
	}

	if cfg.Registry.AgentsFile != "" {
		data, err := os.ReadFile(cfg.Registry.AgentsFile)
		if err != nil {
			return nil, fmt.Errorf("reading agents file: %w", err)
		}
		var agents []registry.Agent
		if err := json.Unmarshal(data, &agents); err != nil {
			return nil, fmt.Errorf("parsing agents file %s: %w", cfg.Registry.AgentsFile, err)
		}
		return registry.NewStatic(agents), nil
	}

	// No registry configured: accept any reference with full capabilities.
	// Useful for local experiments; production deployments set registry.url.
	slog.Warn("no registry configured, accepting all project/agent references")
	return permissiveRegistry{}, nil
}

type permissiveRegistry struct{}

func (permissiveRegistry) ResolveAgent(_ context.Context, projectID, agentID string) (registry.Agent, error) {
	return registry.Agent{
		ID:           agentID,
		ProjectID:    projectID,
		Capabilities: []string{registry.CapSentiment, registry.CapExtraction},
	}, nil
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("qualagents is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop qualagents (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to qualagents (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == 200 {
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	ollamaResp, err := client.Get(cfg.Ollama.BaseURL + "/api/version")
	if err != nil {
		printStatus("Ollama", "not running")
	} else {
		ollamaResp.Body.Close()
		printStatus("Ollama", "running at %s", cfg.Ollama.BaseURL)
	}

	printStatus("Local chat model", "%s", cfg.Ollama.ChatModel)
	printStatus("Local embed model", "%s", cfg.Ollama.EmbedModel)
	printStatus("Premium chat model", "%s", cfg.OpenAI.ChatModel)
	printStatus("Memory dimensions", "%d", cfg.Memory.Dimensions)
	if cfg.Registry.URL != "" {
		printStatus("Registry", "%s", cfg.Registry.URL)
	} else if cfg.Registry.AgentsFile != "" {
		printStatus("Registry", "static (%s)", cfg.Registry.AgentsFile)
	} else {
		printStatus("Registry", "permissive (none configured)")
	}
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
