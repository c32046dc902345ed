// cmd/app.go
package cmd

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kestrelworks/sitewright/api/schemas"
	"github.com/kestrelworks/sitewright/internal/browser"
	"github.com/kestrelworks/sitewright/internal/config"
	"github.com/kestrelworks/sitewright/internal/detect"
	"github.com/kestrelworks/sitewright/internal/llm"
	"github.com/kestrelworks/sitewright/internal/observability"
	"github.com/kestrelworks/sitewright/internal/orchestrator"
	"github.com/kestrelworks/sitewright/internal/sessionstore"
	"github.com/kestrelworks/sitewright/internal/visual"
)

// appComponents holds the initialized core services a command operates on.
type appComponents struct {
	Pool         *browser.Pool
	Store        *sessionstore.Store
	LLMClient    schemas.LLMClient
	Orchestrator *orchestrator.Orchestrator

	reaperCancel context.CancelFunc
}

// Shutdown gracefully closes all components, newest-dependency first.
func (a *appComponents) Shutdown(ctx context.Context) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if a.reaperCancel != nil {
		a.reaperCancel()
	}
	if a.Orchestrator != nil {
		a.Orchestrator.Shutdown(shutdownCtx)
	}
	if a.Pool != nil {
		if err := a.Pool.Shutdown(shutdownCtx); err != nil {
			observability.GetLogger().Warn("Error during browser pool shutdown.", zap.Error(err))
		}
	}
	if a.LLMClient != nil {
		if err := a.LLMClient.Close(); err != nil {
			observability.GetLogger().Warn("Error closing LLM client.", zap.Error(err))
		}
	}
}

// initializeComponents handles dependency injection for the page-facing
// commands: pool, session store, detector, analyzer, orchestrator.
func initializeComponents(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*appComponents, error) {
	components := &appComponents{}

	// 1. Session store
	store, err := buildStore(cfg, logger)
	if err != nil {
		return nil, err
	}
	components.Store = store

	// 2. Browser pool
	pool := browser.NewPool(cfg.Browser, logger)
	if err := pool.Initialize(ctx); err != nil {
		return components, fmt.Errorf("failed to warm browser pool: %w", err)
	}
	components.Pool = pool

	reaperCtx, reaperCancel := context.WithCancel(context.Background())
	components.reaperCancel = reaperCancel
	go pool.RunReaper(reaperCtx)

	// 3. AI collaborator; detection degrades to the deterministic fallback
	// when disabled or unconfigured.
	var client schemas.LLMClient
	if cfg.LLM.Enabled && cfg.LLM.APIKey != "" {
		client, err = llm.NewGeminiClient(ctx, cfg.LLM, logger)
		if err != nil {
			components.Shutdown(ctx)
			return nil, fmt.Errorf("failed to initialize LLM client: %w", err)
		}
		components.LLMClient = client
	} else {
		logger.Info("AI classification disabled, using deterministic detection only.")
	}

	// 4. Detection
	detector := detect.New(client, cfg.Detect, logger)
	analyzer := visual.New(logger)

	// 5. Orchestrator
	orch, err := orchestrator.New(cfg, logger, pool, store, detector, analyzer)
	if err != nil {
		components.Shutdown(ctx)
		return nil, fmt.Errorf("failed to create orchestrator: %w", err)
	}
	components.Orchestrator = orch

	return components, nil
}

// buildStore constructs and initializes the encrypted session store.
func buildStore(cfg *config.Config, logger *zap.Logger) (*sessionstore.Store, error) {
	key, err := cfg.Session.DecodeKey()
	if err != nil {
		return nil, fmt.Errorf("session store unavailable: %w (set SITEWRIGHT_SESSION_KEY)", err)
	}
	store, err := sessionstore.New(cfg.Session.Dir, key, cfg.Session.TTL, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build session store: %w", err)
	}
	if err := store.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize session store: %w", err)
	}
	return store, nil
}

// credentialsFromFlags assembles optional credentials. Both flags must be
// set together.
func credentialsFromFlags(username, password string) (*schemas.Credentials, error) {
	if username == "" && password == "" {
		return nil, nil
	}
	if username == "" || password == "" {
		return nil, fmt.Errorf("--username and --password must be provided together")
	}
	return &schemas.Credentials{Username: username, Password: password}, nil
}
