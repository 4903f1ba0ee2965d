package capture

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/html"

	"github.com/vincentbai/clicktrace-agent/internal/models"
	"github.com/vincentbai/clicktrace-agent/internal/page"
)

const testDocument = `<html><head><title>Checkout</title></head><body>
<nav><a id="orders" href="/orders?tab=open"><span id="orders-label">My orders</span></a></nav>
<a id="anchor-only" name="top"><b id="anchor-text">Top</b></a>
<form>
  <button id="labelled" aria-label="Submit"></button>
  <button id="valued" value="Pay now" aria-label="Pay"></button>
  <button id="bare"></button>
  <button id="visible"> Continue </button>
  <input id="submit-input" type="submit" value="Send">
  <div id="role-button" role="button"></div>
  <div id="empty-div"></div>
</form>
</body></html>`

type recordingSender struct {
	mu       sync.Mutex
	messages []models.Message
	panics   bool
}

func (s *recordingSender) Send(message models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.panics {
		panic("bridge unavailable")
	}
	s.messages = append(s.messages, message)
}

func (s *recordingSender) events(t *testing.T) []models.InteractionEvent {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	events := make([]models.InteractionEvent, 0, len(s.messages))
	for _, message := range s.messages {
		event, err := message.InteractionEvent()
		require.NoError(t, err)
		events = append(events, event)
	}
	return events
}

type staticIdentity struct {
	name *string
}

func (i staticIdentity) Name() *string {
	return i.name
}

type countingTrigger struct {
	activations int
}

func (c *countingTrigger) ActivateTrigger() {
	c.activations++
}

type fakeClock struct {
	current time.Time
}

func (c *fakeClock) now() time.Time {
	return c.current
}

func (c *fakeClock) advance(d time.Duration) {
	c.current = c.current.Add(d)
}

func setupTestAgent(t *testing.T, opts ...Option) (*page.Page, *Agent, *recordingSender, *fakeClock) {
	t.Helper()
	p, err := page.Load("https://shop.example.com/checkout/", strings.NewReader(testDocument))
	require.NoError(t, err)
	t.Cleanup(p.Close)

	sender := &recordingSender{}
	clock := &fakeClock{current: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
	agent := New(p, sender, append([]Option{WithClock(clock.now)}, opts...)...)
	agent.Attach()
	return p, agent, sender, clock
}

func element(t *testing.T, p *page.Page, id string) *html.Node {
	t.Helper()
	var node *html.Node
	require.NoError(t, p.Do(func() { node = page.FindByID(p.Root(), id) }))
	require.NotNil(t, node, "missing element %s", id)
	return node
}

func TestDebounce(t *testing.T) {
	tests := []struct {
		name  string
		gap   time.Duration
		count int
	}{
		{"5ms apart", 5 * time.Millisecond, 1},
		{"just under the interval", 9 * time.Millisecond, 1},
		{"exactly the interval", 10 * time.Millisecond, 2},
		{"50ms apart", 50 * time.Millisecond, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, agent, sender, clock := setupTestAgent(t)
			target := element(t, p, "visible")

			require.NoError(t, p.Click(target))
			clock.advance(tt.gap)
			require.NoError(t, p.Click(target))

			assert.Len(t, sender.events(t), tt.count)
			assert.Equal(t, int64(tt.count), agent.Emitted())
			assert.Equal(t, int64(2-tt.count), agent.Debounced())
		})
	}
}

func TestDebouncedClickDoesNotResetWindow(t *testing.T) {
	p, _, sender, clock := setupTestAgent(t)
	target := element(t, p, "visible")

	require.NoError(t, p.Click(target))
	clock.advance(6 * time.Millisecond)
	require.NoError(t, p.Click(target))
	clock.advance(6 * time.Millisecond)
	require.NoError(t, p.Click(target))

	assert.Len(t, sender.events(t), 2)
}

func TestAgentsAreIsolated(t *testing.T) {
	first, _, firstSender, _ := setupTestAgent(t)
	second, _, secondSender, _ := setupTestAgent(t)

	require.NoError(t, first.Click(element(t, first, "visible")))
	require.NoError(t, second.Click(element(t, second, "visible")))

	assert.Len(t, firstSender.events(t), 1)
	assert.Len(t, secondSender.events(t), 1)
}

func TestExtractText(t *testing.T) {
	tests := []struct {
		id   string
		want string
	}{
		{"visible", "Continue"},
		{"valued", "Pay now"},
		{"labelled", "Submit"},
		{"bare", "button"},
		{"submit-input", "Send"},
		{"role-button", "button"},
		{"empty-div", ""},
		{"orders-label", "My orders"},
	}

	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			p, _, sender, _ := setupTestAgent(t)
			require.NoError(t, p.Click(element(t, p, tt.id)))

			events := sender.events(t)
			require.Len(t, events, 1)
			assert.Equal(t, tt.want, events[0].Text)
		})
	}
}

func TestExtractURL(t *testing.T) {
	p, _, sender, clock := setupTestAgent(t)

	require.NoError(t, p.Click(element(t, p, "orders-label")))
	clock.advance(time.Second)
	require.NoError(t, p.Click(element(t, p, "anchor-text")))
	clock.advance(time.Second)
	require.NoError(t, p.Click(element(t, p, "visible")))

	events := sender.events(t)
	require.Len(t, events, 3)
	require.NotNil(t, events[0].URL)
	assert.Equal(t, "https://shop.example.com/orders?tab=open", *events[0].URL)
	assert.Nil(t, events[1].URL)
	assert.Nil(t, events[2].URL)
}

func TestClickOnUnlabelledSubmitControl(t *testing.T) {
	p, _, sender, _ := setupTestAgent(t)

	require.NoError(t, p.Click(element(t, p, "labelled")))

	events := sender.events(t)
	require.Len(t, events, 1)
	event := events[0]
	assert.Equal(t, "Submit", event.Text)
	assert.Equal(t, models.MechanismClick, event.Mechanism)
	assert.Nil(t, event.URL)
	assert.Nil(t, event.UserLogin)
	assert.Equal(t, "https://shop.example.com/checkout/", event.PageURL)
	assert.Equal(t, "Checkout", event.PageTitle)
	assert.Equal(t, "2024-05-01T09:00:00.000Z", event.Timestamp)
}

func TestAttachesResolvedIdentity(t *testing.T) {
	name := "Ivan Petrov"
	p, _, sender, _ := setupTestAgent(t, WithIdentity(staticIdentity{name: &name}))

	require.NoError(t, p.Click(element(t, p, "visible")))

	events := sender.events(t)
	require.Len(t, events, 1)
	require.NotNil(t, events[0].UserLogin)
	assert.Equal(t, name, *events[0].UserLogin)
}

func TestCapturesClicksThePageStops(t *testing.T) {
	p, _, sender, _ := setupTestAgent(t)
	target := element(t, p, "visible")
	p.AddEventListener(target, page.EventClick, func(event *page.Event) { event.StopPropagation() }, false)

	require.NoError(t, p.Click(target))
	assert.Len(t, sender.events(t), 1)
}

func TestFailuresStayInsideTheAgent(t *testing.T) {
	p, agent, sender, clock := setupTestAgent(t)
	target := element(t, p, "visible")

	var pageHandled int
	p.AddEventListener(target, page.EventClick, func(*page.Event) { pageHandled++ }, false)

	sender.mu.Lock()
	sender.panics = true
	sender.mu.Unlock()
	require.NoError(t, p.Click(target))

	sender.mu.Lock()
	sender.panics = false
	sender.mu.Unlock()
	clock.advance(time.Second)
	require.NoError(t, p.Click(target))

	assert.Equal(t, int64(1), agent.Failed())
	assert.Len(t, sender.events(t), 1)
	var handled int
	require.NoError(t, p.Do(func() { handled = pageHandled }))
	assert.Equal(t, 2, handled)
}

func TestTriggerActivatedPerClick(t *testing.T) {
	trigger := &countingTrigger{}
	p, _, _, clock := setupTestAgent(t, WithTrigger(trigger))
	target := element(t, p, "visible")

	require.NoError(t, p.Click(target))
	clock.advance(time.Second)
	require.NoError(t, p.Click(target))

	var activations int
	require.NoError(t, p.Do(func() { activations = trigger.activations }))
	assert.Equal(t, 2, activations)
}

type clickingTrigger struct {
	page        *page.Page
	control     *html.Node
	activations int
}

func (c *clickingTrigger) ActivateTrigger() {
	c.activations++
	c.page.Activate(c.control)
}

func TestTriggerClickIsNotCapturedWithoutDebounce(t *testing.T) {
	trigger := &clickingTrigger{}
	p, agent, sender, clock := setupTestAgent(t, WithTrigger(trigger), WithMinInterval(0))
	trigger.page = p
	trigger.control = element(t, p, "bare")

	require.NoError(t, p.Click(element(t, p, "visible")))
	clock.advance(time.Millisecond)
	require.NoError(t, p.Click(element(t, p, "orders-label")))

	var activations int
	require.NoError(t, p.Do(func() { activations = trigger.activations }))
	assert.Equal(t, 2, activations)

	events := sender.events(t)
	require.Len(t, events, 2)
	assert.Equal(t, "Continue", events[0].Text)
	assert.Equal(t, "My orders", events[1].Text)
	assert.Equal(t, int64(2), agent.Debounced())
	assert.Equal(t, int64(0), agent.Failed())
}
