// Command eclia-gateway is the chat-inference gateway: it fronts the
// configured upstream providers, runs the tool loop, and serves the
// session-oriented HTTP API.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/p3lera/eclia/internal/approval"
	"github.com/p3lera/eclia/internal/auth"
	"github.com/p3lera/eclia/internal/config"
	"github.com/p3lera/eclia/internal/gateway"
	"github.com/p3lera/eclia/internal/mcp"
	"github.com/p3lera/eclia/internal/orchestrator"
	"github.com/p3lera/eclia/internal/provider"
	"github.com/p3lera/eclia/internal/sessionlock"
	"github.com/p3lera/eclia/internal/toolhost"
	"github.com/p3lera/eclia/internal/transcript"
)

// Exit codes: 0 normal, 1 startup misconfiguration, 2 port bind failure.
const (
	exitMisconfigured = 1
	exitBindFailure   = 2
)

func main() {
	if err := setupFileLogging(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to setup logging: %v\n", err)
	}

	// A local .env is optional.
	_ = godotenv.Load()

	flagConfig := flag.String("config", "", "path to config.toml")
	flag.Parse()

	configPath := *flagConfig
	if configPath == "" {
		configPath = filepath.Join(".", "config.toml")
		if dataDir, err := config.DataDir(); err == nil {
			dataDirPath := filepath.Join(dataDir, "config.toml")
			if _, err := os.Stat(dataDirPath); err == nil {
				configPath = dataDirPath
			}
		}
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(exitMisconfigured)
	}

	creds, err := config.LoadCredentials()
	if err != nil {
		fmt.Printf("Error loading credentials: %v\n", err)
		os.Exit(exitMisconfigured)
	}

	registry, headerSources := buildRegistry(cfg, creds)
	defer registry.Close()

	store, err := openStore()
	if err != nil {
		fmt.Printf("Error opening transcript store: %v\n", err)
		os.Exit(exitMisconfigured)
	}
	defer store.Close()

	dispatcher := setupDispatcher(cfg)
	defer dispatcher.Close()

	hub := approval.NewHub()
	locks := sessionlock.New()

	orch := &orchestrator.Orchestrator{
		Store:    store,
		Registry: registry,
		Credentials: func(p provider.Provider) (map[string]string, error) {
			src, ok := headerSources[p.Kind()+":"+p.Name()]
			if !ok {
				return map[string]string{}, nil
			}
			return src.Headers()
		},
		Dispatcher:   dispatcher,
		Approvals:    hub,
		SystemPrompt: cfg.Server.SystemPrompt,
	}

	ctrl := gateway.NewController(store, orch, hub, locks, cfg.Root,
		auth.GatewayToken(cfg.Root), cfg.Server.ChatRPSOrDefault())
	router := gateway.DefineRoutes(ctrl)

	addr := cfg.Server.AddrOrDefault()
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		fmt.Printf("Error binding %s: %v\n", addr, err)
		os.Exit(exitBindFailure)
	}

	srv := &http.Server{Handler: router.Handler()}
	go func() {
		log.Info().Str("addr", addr).Msg("gateway listening")
		if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server stopped")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("shutdown incomplete")
	}
}

// buildRegistry creates one provider per configured profile plus its header
// source.
func buildRegistry(cfg *config.Config, creds *config.Credentials) (*provider.Registry, map[string]auth.HeaderSource) {
	registry := provider.NewRegistry()
	sources := make(map[string]auth.HeaderSource)

	register := func(name string, pcfg config.ProviderConfig) {
		var p provider.Provider
		switch pcfg.Kind {
		case provider.KindOpenAICompatible:
			p = provider.NewOpenAICompat(name, pcfg.Endpoint, pcfg.Model, pcfg.Temperature, pcfg.TokenBudget)
		case provider.KindAnthropic:
			p = provider.NewAnthropic(name, pcfg.Endpoint, pcfg.Model, pcfg.Temperature, pcfg.TokenBudget)
		case provider.KindCodexOAuth:
			p = provider.NewCodex(name, pcfg.Model, cfg.Root, pcfg.TokenBudget)
		default:
			return
		}
		registry.Register(p)
		sources[pcfg.Kind+":"+name] = headerSource(name, pcfg, creds)
	}

	// The default provider registers first so it becomes the fallback.
	if pcfg, ok := cfg.Providers[cfg.DefaultProvider]; ok {
		register(cfg.DefaultProvider, pcfg)
	}
	for name, pcfg := range cfg.Providers {
		if name == cfg.DefaultProvider {
			continue
		}
		register(name, pcfg)
	}
	return registry, sources
}

// headerSource picks the credential strategy for one profile.
func headerSource(name string, pcfg config.ProviderConfig, creds *config.Credentials) auth.HeaderSource {
	if pcfg.Auth == "none" || pcfg.Kind == provider.KindCodexOAuth {
		return auth.NoAuth{}
	}

	key := ""
	if pcfg.APIKeyEnv != "" {
		key = os.Getenv(pcfg.APIKeyEnv)
	}
	if key == "" {
		key = creds.GetAPIKey(name)
	}

	hint := fmt.Sprintf("No API key for provider %q: set %s or add it to credentials.json", name, pcfg.APIKeyEnv)
	if pcfg.APIKeyEnv == "" {
		hint = fmt.Sprintf("No API key for provider %q: add it to credentials.json", name)
	}

	header, bearer := "Authorization", true
	if pcfg.Kind == provider.KindAnthropic {
		header, bearer = "x-api-key", false
	}
	return auth.StaticAPIKey{Provider: name, Key: key, Header: header, Bearer: bearer, Hint: hint}
}

func openStore() (*transcript.Store, error) {
	dir, err := config.EnsureDataDir()
	if err != nil {
		return nil, err
	}
	return transcript.Open(filepath.Join(dir, "transcripts.db"))
}

// setupDispatcher wires the tool host child (or HTTP upstream) and the
// in-process tools.
func setupDispatcher(cfg *config.Config) *toolhost.Dispatcher {
	var upstream mcp.UpstreamClient
	if cfg.ToolHost.UpstreamHTTP != "" {
		upstream = mcp.NewHTTPClient(cfg.ToolHost.UpstreamHTTP)
	} else {
		client, err := mcp.NewStdioClient(cfg.ToolHost.CommandOrDefault(), "-root", cfg.Root)
		if err != nil {
			fmt.Printf("Warning: tool host spawn failed: %v\n", err)
		} else {
			upstream = client
		}
	}

	dispatcher := toolhost.NewDispatcher(upstream, &toolhost.Sanitizer{Root: cfg.Root})
	if upstream != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := dispatcher.Initialize(ctx); err != nil {
			fmt.Printf("Warning: tool host init failed: %v\n", err)
		}
	}

	dispatcher.RegisterTool(toolhost.NewWebTool(), toolhost.NewWebHandler().Handle)

	webhooks := make(map[string]string)
	for name, a := range cfg.Adapters {
		if a.Webhook != "" {
			webhooks[name] = a.Webhook
		}
	}
	if len(webhooks) > 0 {
		dispatcher.RegisterTool(toolhost.NewSendToAdapterTool(), toolhost.NewAdapterNotifier(webhooks).Handle)
	}
	return dispatcher
}

func setupFileLogging() error {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	dataDir, err := config.DataDir()
	if err != nil {
		return err
	}

	logDir := filepath.Join(dataDir, "logs")
	if err := os.MkdirAll(logDir, 0750); err != nil {
		return err
	}

	logPath := filepath.Join(logDir, "gateway.log")
	//nolint:gosec // G304: path is derived from the data dir
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		return err
	}
	log.Logger = log.Output(f)
	return nil
}
