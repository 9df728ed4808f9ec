package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/plumehq/plume/internal/agent"
	"github.com/plumehq/plume/internal/breaker"
	"github.com/plumehq/plume/internal/config"
	"github.com/plumehq/plume/internal/model"
	"github.com/plumehq/plume/internal/natsbus"
	"github.com/plumehq/plume/internal/pipeline"
	"github.com/plumehq/plume/internal/runctx"
	"github.com/plumehq/plume/internal/store"
	"github.com/plumehq/plume/internal/vault"
	"github.com/plumehq/plume/internal/web"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "version":
		fmt.Printf("plume %s\n", version)
	case "gateway":
		if err := runGateway(); err != nil {
			slog.Error("gateway failed", "error", err)
			os.Exit(1)
		}
	case "backup":
		if err := runBackup(os.Args[2:]); err != nil {
			slog.Error("backup failed", "error", err)
			os.Exit(1)
		}
	case "restore":
		if err := runRestore(os.Args[2:]); err != nil {
			slog.Error("restore failed", "error", err)
			os.Exit(1)
		}
	case "vault":
		if err := runVault(os.Args[2:]); err != nil {
			slog.Error("vault command failed", "error", err)
			os.Exit(1)
		}
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: plume <command>\n\nCommands:\n  gateway    Start the plume gateway service\n  backup     Archive the data directory to a tar.zst file\n  restore    Restore the data directory from a backup archive\n  vault      Manage sealed model API keys\n  version    Print version\n")
}

func runGateway() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("starting plume gateway", "version", version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// SQLite store
	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer db.Close()
	slog.Info("store initialized", "path", cfg.Store.Path)

	// Embedded NATS
	bus, err := natsbus.New(cfg.NATS)
	if err != nil {
		return fmt.Errorf("init nats: %w", err)
	}
	defer bus.Close()
	slog.Info("nats started", "port", bus.Port())

	// Vault-sealed model keys fill in anything the env left blank
	var keyring *vault.Keyring
	if cfg.Vault.Passphrase != "" {
		keyring = vault.NewKeyring(vault.New(cfg.Vault.Passphrase), db)
		loadSealedKeys(keyring, cfg)
	} else {
		slog.Warn("vault passphrase not set, sealed key storage disabled")
	}

	// Model clients, one breaker per provider
	breakers := breaker.NewRegistry(cfg.Breaker)
	clients := modelClients(cfg)
	if len(clients) == 0 {
		return fmt.Errorf("no model provider configured, set ANTHROPIC_API_KEY or OPENAI_API_KEY")
	}

	// Background prober drives breakers out-of-band
	if cfg.Health.Enabled {
		checker := breaker.NewHealthChecker(breakers, cfg.Health)
		for name, client := range clients {
			checker.Register(name, modelProbe(client))
		}
		go checker.Start(ctx)
		slog.Info("health checker started")
	}

	// Bus client shared by the agent host and the orchestrator
	busClient, err := natsbus.NewClient(bus)
	if err != nil {
		return fmt.Errorf("connect bus: %w", err)
	}
	defer busClient.Close()

	// Shared pipeline context, persisted in sqlite
	contexts := runctx.NewManager(runctx.NewSQLiteStorage(db), runctx.StoragePersistent)

	// Role agents
	agents := agent.NewRegistry()
	if err := registerAgents(agents, clients, breakers, contexts, cfg); err != nil {
		return fmt.Errorf("register agents: %w", err)
	}

	host := agent.NewHost(agents, busClient, cfg.Pipeline.HeartbeatInterval)
	if err := host.Start(ctx); err != nil {
		return fmt.Errorf("start agent host: %w", err)
	}
	defer host.Stop()
	slog.Info("agent host started", "agents", len(agents.IDs()))

	// Orchestrator
	orch := pipeline.NewOrchestrator(agents, contexts, busClient, db, cfg.Pipeline)

	// Web server: HTTP API, websocket events, proxy endpoint
	if cfg.Web.Enabled {
		srv := web.NewServer(orch, db, bus, agents, breakers, keyring, cfg.Web, version)
		go func() {
			if err := srv.Start(ctx); err != nil {
				slog.Error("web server error", "error", err)
			}
		}()
		slog.Info("web server started", "port", cfg.Web.Port)
	}

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("shutting down", "signal", sig)
	cancel()
	return nil
}

// loadSealedKeys fills empty model API keys from the vault.
func loadSealedKeys(keyring *vault.Keyring, cfg *config.Config) {
	if cfg.Models.Anthropic.APIKey == "" {
		if key, err := keyring.Get("anthropic_api_key"); err == nil && key != "" {
			cfg.Models.Anthropic.APIKey = key
			slog.Info("loaded sealed key", "name", "anthropic_api_key")
		}
	}
	if cfg.Models.OpenAI.APIKey == "" {
		if key, err := keyring.Get("openai_api_key"); err == nil && key != "" {
			cfg.Models.OpenAI.APIKey = key
			slog.Info("loaded sealed key", "name", "openai_api_key")
		}
	}
}

func modelClients(cfg *config.Config) map[string]model.Client {
	clients := make(map[string]model.Client)
	if cfg.Models.Anthropic.APIKey != "" {
		client := model.NewAnthropicClient(cfg.Models.Anthropic)
		clients[client.Provider()] = client
	}
	if cfg.Models.OpenAI.APIKey != "" {
		client := model.NewOpenAIClient(cfg.Models.OpenAI)
		clients[client.Provider()] = client
	}
	return clients
}

// modelProbe issues a minimal completion against the provider.
func modelProbe(client model.Client) breaker.Probe {
	return func(ctx context.Context) error {
		_, err := client.Complete(ctx, model.Request{
			Prompt:    "ping",
			MaxTokens: 1,
		})
		return err
	}
}

// registerAgents builds one agent per content-production role. All roles use
// the same provider; anthropic is preferred when both are configured.
func registerAgents(agents *agent.Registry, clients map[string]model.Client, breakers *breaker.Registry, contexts *runctx.Manager, cfg *config.Config) error {
	provider := "anthropic"
	client, ok := clients[provider]
	if !ok {
		provider = "openai"
		client = clients[provider]
	}

	roles := []agent.Type{
		agent.TypeResearch,
		agent.TypeAnalysis,
		agent.TypeWriting,
		agent.TypeEditing,
		agent.TypeFormatting,
	}
	for _, role := range roles {
		a, err := agent.New(agent.Config{
			ID:       string(role),
			Type:     role,
			Provider: provider,
		}, client, breakers, contexts)
		if err != nil {
			return fmt.Errorf("agent %s: %w", role, err)
		}
		agents.Register(a)
		slog.Info("agent registered", "id", role, "provider", provider)
	}
	return nil
}
