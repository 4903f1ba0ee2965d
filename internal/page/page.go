// Package page models the observed document: an HTML tree plus the single
// task loop that every listener, timer callback and mutation runs on.
package page

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/html"
)

var ErrClosed = errors.New("page closed")

const taskQueueSize = 64

type Page struct {
	ID  string
	URL *url.URL

	document *html.Node
	logger   *slog.Logger

	tasks     chan func()
	done      chan struct{}
	closeOnce sync.Once

	listenersMutex sync.Mutex
	listeners      map[*html.Node][]listenerEntry
}

type Option func(*Page)

func WithLogger(logger *slog.Logger) Option {
	return func(p *Page) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// Load parses an HTML document served at rawURL and starts its task loop.
func Load(rawURL string, reader io.Reader, opts ...Option) (*Page, error) {
	document, err := html.Parse(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to parse document: %w", err)
	}
	return New(rawURL, document, opts...)
}

func New(rawURL string, document *html.Node, opts ...Option) (*Page, error) {
	pageURL, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse page url: %w", err)
	}
	if document == nil {
		return nil, fmt.Errorf("document cannot be nil")
	}

	p := &Page{
		ID:        uuid.NewString(),
		URL:       pageURL,
		document:  document,
		logger:    slog.Default(),
		tasks:     make(chan func(), taskQueueSize),
		done:      make(chan struct{}),
		listeners: make(map[*html.Node][]listenerEntry),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("page_id", p.ID)

	go p.run()
	return p, nil
}

// Root returns the document node. Only read it from the task loop.
func (p *Page) Root() *html.Node {
	return p.document
}

func (p *Page) Logger() *slog.Logger {
	return p.logger
}

// Href is the page address as the document reports it.
func (p *Page) Href() string {
	return p.URL.String()
}

func (p *Page) Title() string {
	title := findFirst(p.document, func(n *html.Node) bool {
		return n.Type == html.ElementNode && n.Data == "title"
	})
	if title == nil {
		return ""
	}
	return strings.TrimSpace(textContent(title))
}

// ResolveURL resolves href against the page address.
func (p *Page) ResolveURL(href string) (string, error) {
	reference, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return "", fmt.Errorf("failed to parse href %q: %w", href, err)
	}
	return p.URL.ResolveReference(reference).String(), nil
}

func (p *Page) run() {
	for {
		select {
		case task := <-p.tasks:
			p.runTask(task)
		case <-p.done:
			return
		}
	}
}

func (p *Page) runTask(task func()) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("page task panicked", "panic", r)
		}
	}()
	task()
}

// Post queues fn on the task loop without waiting for it.
func (p *Page) Post(fn func()) bool {
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.tasks <- fn:
		return true
	case <-p.done:
		return false
	}
}

// Do runs fn on the task loop and waits for it to finish.
// Calling Do from inside a task deadlocks.
func (p *Page) Do(fn func()) error {
	finished := make(chan struct{})
	if !p.Post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrClosed
	}
	select {
	case <-finished:
		return nil
	case <-p.done:
		return ErrClosed
	}
}

// Mutate changes the document on the task loop, the way page scripts render.
func (p *Page) Mutate(fn func(root *html.Node)) error {
	return p.Do(func() { fn(p.document) })
}

// Click simulates a user activating node and waits for dispatch to complete.
func (p *Page) Click(node *html.Node) error {
	return p.Do(func() { p.Dispatch(node, EventClick) })
}

// Activate dispatches a synthetic click. It must run on the task loop.
func (p *Page) Activate(node *html.Node) {
	p.Dispatch(node, EventClick)
}

func (p *Page) Closed() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Close tears the page down: the loop exits and every scheduled task stops.
func (p *Page) Close() {
	p.closeOnce.Do(func() {
		close(p.done)
	})
}

// Task is a scheduled callback owned by a page.
type Task struct {
	stop     chan struct{}
	stopOnce sync.Once
}

func newTask() *Task {
	return &Task{stop: make(chan struct{})}
}

// Stop cancels the task. Safe to call more than once and from any goroutine.
func (t *Task) Stop() {
	t.stopOnce.Do(func() {
		close(t.stop)
	})
}

func (t *Task) Stopped() bool {
	select {
	case <-t.stop:
		return true
	default:
		return false
	}
}

// Every runs fn on the task loop each interval until the task or page stops.
func (p *Page) Every(interval time.Duration, fn func()) *Task {
	task := newTask()
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if !p.Post(func() {
					if !task.Stopped() {
						fn()
					}
				}) {
					return
				}
			case <-task.stop:
				return
			case <-p.done:
				return
			}
		}
	}()
	return task
}

// After runs fn once on the task loop after delay.
func (p *Page) After(delay time.Duration, fn func()) *Task {
	task := newTask()
	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
			p.Post(func() {
				if !task.Stopped() {
					task.Stop()
					fn()
				}
			})
		case <-task.stop:
		case <-p.done:
		}
	}()
	return task
}
