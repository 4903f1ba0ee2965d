// Package capture turns clicks on an observed page into telemetry records.
package capture

import (
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/net/html"

	"github.com/vincentbai/clicktrace-agent/internal/bridge"
	"github.com/vincentbai/clicktrace-agent/internal/models"
	"github.com/vincentbai/clicktrace-agent/internal/page"
)

// DefaultMinInterval coalesces duplicate dispatches of one logical click.
const DefaultMinInterval = 10 * time.Millisecond

const buttonFallbackText = "button"

// IdentitySource returns the resolved user name, or nil while unresolved.
type IdentitySource interface {
	Name() *string
}

// TriggerActivator re-activates the authentication trigger. Called on the task loop.
type TriggerActivator interface {
	ActivateTrigger()
}

type Agent struct {
	page     *page.Page
	sender   bridge.Sender
	identity IdentitySource
	trigger  TriggerActivator
	logger   *slog.Logger

	minInterval time.Duration
	now         func() time.Time

	// lastEmittedAt and activating are only touched on the page's task loop.
	lastEmittedAt time.Time
	activating    bool

	emitted   atomic.Int64
	debounced atomic.Int64
	failed    atomic.Int64
}

type Option func(*Agent)

func WithMinInterval(interval time.Duration) Option {
	return func(a *Agent) {
		if interval >= 0 {
			a.minInterval = interval
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(a *Agent) {
		if now != nil {
			a.now = now
		}
	}
}

func WithIdentity(identity IdentitySource) Option {
	return func(a *Agent) {
		a.identity = identity
	}
}

// WithTrigger makes every emitted click re-activate the authentication trigger.
func WithTrigger(trigger TriggerActivator) Option {
	return func(a *Agent) {
		a.trigger = trigger
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(a *Agent) {
		if logger != nil {
			a.logger = logger
		}
	}
}

func New(p *page.Page, sender bridge.Sender, opts ...Option) *Agent {
	a := &Agent{
		page:        p,
		sender:      sender,
		logger:      p.Logger(),
		minInterval: DefaultMinInterval,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Attach listens for clicks in the capture phase so that handlers on the page
// which stop propagation do not hide them.
func (a *Agent) Attach() {
	a.page.AddEventListener(nil, page.EventClick, a.handleClick, true)
}

func (a *Agent) handleClick(event *page.Event) {
	defer func() {
		if recovered := recover(); recovered != nil {
			a.failed.Add(1)
			a.logger.Error("click tracker exception", "panic", recovered, "stack", string(debug.Stack()))
		}
	}()

	// The trigger's own synthetic click re-enters this listener.
	if a.activating {
		a.debounced.Add(1)
		return
	}

	now := a.now()
	if !a.admit(now) {
		a.debounced.Add(1)
		return
	}

	if err := a.capture(event.Target, now); err != nil {
		a.failed.Add(1)
		a.logger.Error("click tracker exception", "error", err)
	}
}

// admit applies the debounce gate and records the emission time.
func (a *Agent) admit(now time.Time) bool {
	if !a.lastEmittedAt.IsZero() && now.Sub(a.lastEmittedAt) < a.minInterval {
		return false
	}
	a.lastEmittedAt = now
	return true
}

func (a *Agent) capture(target *html.Node, now time.Time) error {
	if a.trigger != nil {
		a.activateTrigger()
	}

	record := a.Extract(target, now)
	message, err := models.NewMessage(models.MessageTypeClick, record)
	if err != nil {
		return fmt.Errorf("failed to build click message: %w", err)
	}
	a.sender.Send(message)
	a.emitted.Add(1)
	return nil
}

func (a *Agent) activateTrigger() {
	a.activating = true
	defer func() { a.activating = false }()
	a.trigger.ActivateTrigger()
}

// Extract builds the record for a click on target. Every field is best effort.
func (a *Agent) Extract(target *html.Node, now time.Time) models.InteractionEvent {
	element := elementOf(target)
	return models.InteractionEvent{
		URL:       a.extractURL(element),
		Text:      extractText(element),
		PageURL:   a.page.Href(),
		PageTitle: a.page.Title(),
		Mechanism: models.MechanismClick,
		Timestamp: models.FormatTimestamp(now),
		UserLogin: a.currentIdentity(),
	}
}

func (a *Agent) extractURL(element *html.Node) *string {
	link := page.Closest(element, "a")
	if link == nil {
		return nil
	}
	href, ok := page.LookupAttr(link, "href")
	if !ok {
		return nil
	}
	resolved, err := a.page.ResolveURL(href)
	if err != nil {
		a.logger.Debug("unresolvable link", "href", href, "error", err)
		return nil
	}
	return &resolved
}

func extractText(element *html.Node) string {
	if text := page.VisibleText(element); text != "" {
		return text
	}
	if !isButtonLike(element) {
		return ""
	}
	for _, attribute := range []string{"value", "aria-label"} {
		if value := strings.TrimSpace(page.Attr(element, attribute)); value != "" {
			return value
		}
	}
	return buttonFallbackText
}

func (a *Agent) currentIdentity() *string {
	if a.identity == nil {
		return nil
	}
	name := a.identity.Name()
	if name == nil {
		return nil
	}
	return models.StringPointer(*name)
}

func isButtonLike(element *html.Node) bool {
	switch page.TagName(element) {
	case "button":
		return true
	case "input":
		switch strings.ToLower(page.Attr(element, "type")) {
		case "button", "submit", "reset", "image":
			return true
		}
	}
	return strings.EqualFold(page.Attr(element, "role"), "button")
}

// elementOf maps a text node target to its parent element.
func elementOf(target *html.Node) *html.Node {
	if target != nil && target.Type == html.TextNode {
		return target.Parent
	}
	return target
}

func (a *Agent) Emitted() int64 {
	return a.emitted.Load()
}

func (a *Agent) Debounced() int64 {
	return a.debounced.Load()
}

func (a *Agent) Failed() int64 {
	return a.failed.Load()
}
