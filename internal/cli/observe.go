package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/andybalholm/cascadia"
	"github.com/spf13/cobra"
	"golang.org/x/net/html"

	"github.com/vincentbai/clicktrace-agent/internal/bridge"
	"github.com/vincentbai/clicktrace-agent/internal/config"
	"github.com/vincentbai/clicktrace-agent/internal/delivery"
	"github.com/vincentbai/clicktrace-agent/internal/identity"
	"github.com/vincentbai/clicktrace-agent/internal/page"
	"github.com/vincentbai/clicktrace-agent/internal/relay"
	"github.com/vincentbai/clicktrace-agent/internal/tracker"
)

type ObserveOptions struct {
	*RootOptions
	PageURL   string
	Clicks    []string
	Gap       time.Duration
	Settle    time.Duration
	Collector string
}

type ObserveResult struct {
	PageID        string  `json:"page_id"`
	Emitted       int64   `json:"emitted"`
	Debounced     int64   `json:"debounced"`
	Failed        int64   `json:"failed"`
	Dropped       int64   `json:"dropped"`
	Missing       int     `json:"missing"`
	IdentityState string  `json:"identity_state"`
	UserLogin     *string `json:"user_login"`
}

func NewObserveCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ObserveOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "observe <html-file>",
		Short: "Load a document, replay clicks and relay the telemetry",
		Long: `Load an HTML document as an observed page, attach the capture agent and the
identity resolver, activate each element matched by --click in order and relay
the resulting records to the collector.

Example:
  clicktrace-agent observe --url https://portal.example.com/home \
      --click "lib-header-auth button" --click "#submit" ./home.html`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runObserve(cmd, opts, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.PageURL, "url", "", "address the document was served from (required)")
	cmd.Flags().StringArrayVar(&opts.Clicks, "click", nil, "CSS selector of an element to click (repeatable)")
	cmd.Flags().DurationVar(&opts.Gap, "gap", 50*time.Millisecond, "pause between clicks")
	cmd.Flags().DurationVar(&opts.Settle, "settle", time.Second, "how long to wait for the user name before teardown")
	cmd.Flags().StringVar(&opts.Collector, "collector", "", "collector origin (overrides config)")
	_ = cmd.MarkFlagRequired("url")

	return cmd
}

func runObserve(cmd *cobra.Command, opts *ObserveOptions, documentPath string) error {
	cfg, logger, err := loadConfig(opts.RootOptions, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	if opts.Collector != "" {
		cfg.CollectorOrigin = opts.Collector
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	selectors := make([]cascadia.Sel, 0, len(opts.Clicks))
	for _, raw := range opts.Clicks {
		selector, err := cascadia.Parse(raw)
		if err != nil {
			return fmt.Errorf("invalid --click selector %q: %w", raw, err)
		}
		selectors = append(selectors, selector)
	}

	file, err := os.Open(documentPath)
	if err != nil {
		return fmt.Errorf("failed to open document: %w", err)
	}
	p, err := page.Load(opts.PageURL, file, page.WithLogger(logger))
	file.Close()
	if err != nil {
		return err
	}

	channel := bridge.New(cfg.BridgeBuffer, logger)
	result, err := observe(p, channel, delivery.New(cfg.CollectorOrigin, logger), cfg, selectors, opts, logger)
	if err != nil {
		return err
	}
	return writeResult(cmd.OutOrStdout(), opts.Format, result)
}

// observe replays clicks on p and relays what the tracker emits. The page, the
// bridge and the relay goroutine are torn down on every return path.
func observe(p *page.Page, channel *bridge.Channel, deliverer relay.Deliverer, cfg config.Config,
	selectors []cascadia.Sel, opts *ObserveOptions, logger *slog.Logger) (result ObserveResult, err error) {
	relayer := relay.New(channel, deliverer, cfg.RouteTable(), logger)
	relayDone := make(chan error, 1)
	go func() { relayDone <- relayer.Run(context.Background()) }()

	pageTracker := tracker.New(p, channel, cfg, tracker.Options{Logger: p.Logger()})
	pageTracker.Attach()
	defer func() {
		pageTracker.Detach()
		channel.Close()
		if relayErr := <-relayDone; relayErr != nil && err == nil {
			err = relayErr
		}
		relayer.Wait()
		result.Dropped = channel.Dropped()
	}()

	missing := 0
	for i, selector := range selectors {
		var target *html.Node
		if err := p.Do(func() { target = cascadia.Query(p.Root(), selector) }); err != nil {
			return result, fmt.Errorf("failed to query %q: %w", opts.Clicks[i], err)
		}
		if target == nil {
			missing++
			logger.Warn("no element matches selector", "selector", opts.Clicks[i])
			continue
		}
		if err := p.Click(target); err != nil {
			return result, fmt.Errorf("failed to click %q: %w", opts.Clicks[i], err)
		}
		time.Sleep(opts.Gap)
	}

	waitForIdentity(pageTracker.Resolver, opts.Settle)

	return ObserveResult{
		PageID:        p.ID,
		Emitted:       pageTracker.Agent.Emitted(),
		Debounced:     pageTracker.Agent.Debounced(),
		Failed:        pageTracker.Agent.Failed(),
		Missing:       missing,
		IdentityState: pageTracker.Resolver.State().String(),
		UserLogin:     pageTracker.Resolver.Name(),
	}, nil
}

func waitForIdentity(resolver *identity.Resolver, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if resolver.State() == identity.StateResolved {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}
