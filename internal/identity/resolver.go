// Package identity resolves the display name of the signed-in user by trying
// an ordered list of document inspection strategies until one succeeds.
package identity

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/vincentbai/clicktrace-agent/internal/bridge"
	"github.com/vincentbai/clicktrace-agent/internal/models"
	"github.com/vincentbai/clicktrace-agent/internal/page"
)

type State int32

const (
	StateAwaitingTrigger State = iota
	StateTriggerActivated
	StatePollingForName
	StateResolved
)

func (s State) String() string {
	switch s {
	case StateAwaitingTrigger:
		return "awaiting_trigger"
	case StateTriggerActivated:
		return "trigger_activated"
	case StatePollingForName:
		return "polling_for_name"
	case StateResolved:
		return "resolved"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// TriggerPolicy decides how often the authentication trigger is activated.
type TriggerPolicy string

const (
	TriggerOnce       TriggerPolicy = "once"
	TriggerEveryClick TriggerPolicy = "every_click"
)

const DefaultPollInterval = 250 * time.Millisecond

type Resolver struct {
	page       *page.Page
	sender     bridge.Sender
	strategies []Strategy
	logger     *slog.Logger

	pollInterval time.Duration
	maxAttempts  int
	now          func() time.Time

	state   atomic.Int32
	name    atomic.Pointer[string]
	task    atomic.Pointer[page.Task]
	started atomic.Bool
	stopped atomic.Bool

	// loop-only
	attempts int
	emitted  bool
}

type Option func(*Resolver)

func WithPollInterval(interval time.Duration) Option {
	return func(r *Resolver) {
		if interval > 0 {
			r.pollInterval = interval
		}
	}
}

// WithMaxAttempts bounds polling. Zero polls until Stop.
func WithMaxAttempts(attempts int) Option {
	return func(r *Resolver) {
		if attempts >= 0 {
			r.maxAttempts = attempts
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Resolver) {
		if now != nil {
			r.now = now
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func New(p *page.Page, sender bridge.Sender, strategies []Strategy, opts ...Option) *Resolver {
	r := &Resolver{
		page:         p,
		sender:       sender,
		strategies:   append([]Strategy(nil), strategies...),
		logger:       p.Logger(),
		pollInterval: DefaultPollInterval,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start evaluates the strategies once right away and then on every poll
// interval until a name resolves or Stop is called.
func (r *Resolver) Start() {
	if r.stopped.Load() || !r.started.CompareAndSwap(false, true) {
		return
	}
	task := r.page.Every(r.pollInterval, r.poll)
	r.task.Store(task)
	if r.stopped.Load() || r.State() == StateResolved {
		task.Stop()
	}
	r.page.Post(r.poll)
}

// Stop cancels polling. Call it on page teardown or navigation.
func (r *Resolver) Stop() {
	r.stopped.Store(true)
	r.cancelPolling()
}

func (r *Resolver) cancelPolling() {
	if task := r.task.Load(); task != nil {
		task.Stop()
	}
}

// Name returns a copy of the resolved name, or nil.
func (r *Resolver) Name() *string {
	name := r.name.Load()
	if name == nil {
		return nil
	}
	return models.StringPointer(*name)
}

func (r *Resolver) State() State {
	return State(r.state.Load())
}

// ActivateTrigger clicks the authentication trigger again. The capture agent
// calls it on every click under TriggerEveryClick.
func (r *Resolver) ActivateTrigger() {
	for _, strategy := range r.strategies {
		if trigger, ok := strategy.(*TriggerStrategy); ok && trigger.Activate(r.page) {
			if r.State() == StateAwaitingTrigger {
				r.state.Store(int32(StateTriggerActivated))
			}
		}
	}
}

func (r *Resolver) poll() {
	if r.stopped.Load() || r.State() == StateResolved {
		return
	}
	if r.maxAttempts > 0 && r.attempts >= r.maxAttempts {
		r.logger.Warn("giving up on user name", "attempts", r.attempts, "state", r.State().String())
		r.cancelPolling()
		return
	}
	r.attempts++

	name, source := r.evaluate()
	if name == "" {
		r.advance()
		return
	}
	r.resolve(name, source)
}

// evaluate runs the strategies in order and returns the first name found.
func (r *Resolver) evaluate() (string, string) {
	for _, strategy := range r.strategies {
		name, err := r.try(strategy)
		if err != nil {
			if !errors.Is(err, ErrNoResult) {
				r.logger.Debug("identity strategy failed", "strategy", strategy.Name(), "error", err)
			}
			continue
		}
		if name != "" {
			return name, strategy.Name()
		}
	}
	return "", ""
}

func (r *Resolver) try(strategy Strategy) (name string, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("strategy %s panicked: %v", strategy.Name(), recovered)
		}
	}()
	return strategy.Resolve(r.page)
}

// advance moves past AwaitingTrigger after the first failed evaluation, so a
// page without a trigger control reports that it is polling.
func (r *Resolver) advance() {
	switch r.State() {
	case StateAwaitingTrigger:
		if r.triggered() {
			r.state.Store(int32(StateTriggerActivated))
		} else {
			r.state.Store(int32(StatePollingForName))
		}
	case StateTriggerActivated:
		r.state.Store(int32(StatePollingForName))
	}
}

func (r *Resolver) triggered() bool {
	for _, strategy := range r.strategies {
		if trigger, ok := strategy.(interface{ Triggered() bool }); ok && trigger.Triggered() {
			return true
		}
	}
	return false
}

func (r *Resolver) resolve(name, source string) {
	r.name.Store(&name)
	r.state.Store(int32(StateResolved))
	r.cancelPolling()
	r.logger.Info("user name resolved", "strategy", source, "attempts", r.attempts)

	if r.emitted {
		return
	}
	r.emitted = true

	message, err := models.NewMessage(models.MessageTypeUserLogin, models.IdentityRecord{
		UserName:  name,
		Timestamp: models.FormatTimestamp(r.now()),
		PageURL:   r.page.Href(),
		PageTitle: r.page.Title(),
	})
	if err != nil {
		r.logger.Error("failed to build user_login message", "error", err)
		return
	}
	r.sender.Send(message)
}
