package identity

import (
	"errors"
	"fmt"
	"strings"

	"github.com/andybalholm/cascadia"
	"github.com/antchfx/htmlquery"
	"github.com/antchfx/xpath"
	"golang.org/x/net/html"

	"github.com/vincentbai/clicktrace-agent/internal/page"
)

var ErrNoResult = errors.New("no result")

// Scope is the part of a page a strategy may touch. Strategies run on the
// page's task loop.
type Scope interface {
	Root() *html.Node
	Activate(node *html.Node)
}

// Strategy yields a user name, or ErrNoResult (or another error) to let the
// next strategy try.
type Strategy interface {
	Name() string
	Resolve(scope Scope) (string, error)
}

// TriggerStrategy activates the authentication control once, then reads the
// name element the page renders in response.
type TriggerStrategy struct {
	trigger    cascadia.Sel
	nameTarget cascadia.Sel
	compileErr error
	activated  bool
}

func NewTriggerStrategy(triggerSelector, nameSelector string) *TriggerStrategy {
	s := &TriggerStrategy{}
	trigger, err := cascadia.Parse(triggerSelector)
	if err != nil {
		s.compileErr = fmt.Errorf("invalid trigger selector %q: %w", triggerSelector, err)
		return s
	}
	nameTarget, err := cascadia.Parse(nameSelector)
	if err != nil {
		s.compileErr = fmt.Errorf("invalid name selector %q: %w", nameSelector, err)
		return s
	}
	s.trigger = trigger
	s.nameTarget = nameTarget
	return s
}

func (s *TriggerStrategy) Name() string {
	return "click-trigger"
}

func (s *TriggerStrategy) Resolve(scope Scope) (string, error) {
	if s.compileErr != nil {
		return "", s.compileErr
	}
	if !s.activated {
		if !s.Activate(scope) {
			return "", ErrNoResult
		}
	}
	name := strings.TrimSpace(page.VisibleText(cascadia.Query(scope.Root(), s.nameTarget)))
	if name == "" {
		return "", ErrNoResult
	}
	return name, nil
}

// Activate clicks the trigger control if it is present.
func (s *TriggerStrategy) Activate(scope Scope) bool {
	if s.compileErr != nil {
		return false
	}
	trigger := cascadia.Query(scope.Root(), s.trigger)
	if trigger == nil {
		return false
	}
	scope.Activate(trigger)
	s.activated = true
	return true
}

func (s *TriggerStrategy) Triggered() bool {
	return s.activated
}

type extractFunc func(node *html.Node) string

// QueryStrategy evaluates an XPath expression and extracts a value from the
// first matching node.
type QueryStrategy struct {
	name       string
	expression *xpath.Expr
	compileErr error
	extract    extractFunc
}

// NewDirectQuery reads the value attribute of an input-like node.
func NewDirectQuery(expression string) *QueryStrategy {
	return newQueryStrategy("direct-query", expression, func(node *html.Node) string {
		if value, ok := page.LookupAttr(node, "value"); ok {
			return strings.TrimSpace(value)
		}
		if page.TagName(node) == "textarea" {
			return strings.TrimSpace(htmlquery.InnerText(node))
		}
		return ""
	})
}

// NewFallbackQuery reads the trimmed text of a rendered label node.
func NewFallbackQuery(expression string) *QueryStrategy {
	return newQueryStrategy("fallback-query", expression, func(node *html.Node) string {
		return page.VisibleText(node)
	})
}

func newQueryStrategy(name, expression string, extract extractFunc) *QueryStrategy {
	s := &QueryStrategy{name: name, extract: extract}
	compiled, err := xpath.Compile(expression)
	if err != nil {
		s.compileErr = fmt.Errorf("invalid query %q: %w", expression, err)
		return s
	}
	s.expression = compiled
	return s
}

func (s *QueryStrategy) Name() string {
	return s.name
}

func (s *QueryStrategy) Resolve(scope Scope) (string, error) {
	if s.compileErr != nil {
		return "", s.compileErr
	}
	node := htmlquery.QuerySelector(scope.Root(), s.expression)
	if node == nil {
		return "", ErrNoResult
	}
	value := s.extract(node)
	if value == "" {
		return "", ErrNoResult
	}
	return value, nil
}
