// Package tracker attaches a capture agent and an identity resolver to one
// page load and tears them down with it.
package tracker

import (
	"log/slog"
	"time"

	"github.com/vincentbai/clicktrace-agent/internal/bridge"
	"github.com/vincentbai/clicktrace-agent/internal/capture"
	"github.com/vincentbai/clicktrace-agent/internal/config"
	"github.com/vincentbai/clicktrace-agent/internal/identity"
	"github.com/vincentbai/clicktrace-agent/internal/page"
)

type Tracker struct {
	Page     *page.Page
	Agent    *capture.Agent
	Resolver *identity.Resolver
}

type Options struct {
	Logger *slog.Logger
	// Now overrides the wall clock for both the agent and the resolver.
	Now func() time.Time
	// PollInterval overrides the configured interval without validation.
	PollInterval time.Duration
}

func Strategies(cfg config.IdentityConfig) []identity.Strategy {
	var strategies []identity.Strategy
	if cfg.TriggerSelector != "" && cfg.NameSelector != "" {
		strategies = append(strategies, identity.NewTriggerStrategy(cfg.TriggerSelector, cfg.NameSelector))
	}
	if cfg.DirectQuery != "" {
		strategies = append(strategies, identity.NewDirectQuery(cfg.DirectQuery))
	}
	if cfg.FallbackQuery != "" {
		strategies = append(strategies, identity.NewFallbackQuery(cfg.FallbackQuery))
	}
	return strategies
}

func New(p *page.Page, sender bridge.Sender, cfg config.Config, opts Options) *Tracker {
	logger := opts.Logger
	if logger == nil {
		logger = p.Logger()
	}
	pollInterval := cfg.Identity.PollInterval
	if opts.PollInterval > 0 {
		pollInterval = opts.PollInterval
	}

	resolver := identity.New(p, sender, Strategies(cfg.Identity),
		identity.WithPollInterval(pollInterval),
		identity.WithMaxAttempts(cfg.Identity.MaxAttempts),
		identity.WithClock(opts.Now),
		identity.WithLogger(logger),
	)

	agentOptions := []capture.Option{
		capture.WithMinInterval(cfg.Capture.MinInterval),
		capture.WithIdentity(resolver),
		capture.WithClock(opts.Now),
		capture.WithLogger(logger),
	}
	if identity.TriggerPolicy(cfg.Identity.TriggerPolicy) == identity.TriggerEveryClick {
		agentOptions = append(agentOptions, capture.WithTrigger(resolver))
	}

	return &Tracker{
		Page:     p,
		Agent:    capture.New(p, sender, agentOptions...),
		Resolver: resolver,
	}
}

// Attach runs on page-ready: click capture starts and identity resolution
// begins independently of it.
func (t *Tracker) Attach() {
	t.Agent.Attach()
	t.Resolver.Start()
}

// Detach is called on navigation or teardown.
func (t *Tracker) Detach() {
	t.Resolver.Stop()
	t.Page.Close()
}
