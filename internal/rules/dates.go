package rules

import (
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
)

// DateParser turns an extracted value into a time.
type DateParser interface {
	Parse(s string) (time.Time, error)
}

// LayoutParser tries each layout in order.
type LayoutParser struct {
	Layouts []string
}

// DefaultDateParser accepts ISO dates, slashed dates, RFC 3339 timestamps
// and CJK-style dates.
func DefaultDateParser() LayoutParser {
	return LayoutParser{Layouts: []string{
		"2006-01-02",
		"2006/01/02",
		time.RFC3339,
		"2006年1月2日",
		"2006-01-02 15:04:05",
	}}
}

// Parse implements DateParser.
func (p LayoutParser) Parse(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range p.Layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, eris.Errorf("rules: unparsable date %q", s)
}

// Comparator reports whether a and b stand in the named relation.
type Comparator func(a, b time.Time) bool

// Comparators is a named comparator registry.
type Comparators struct {
	mu    sync.RWMutex
	funcs map[string]Comparator
}

var (
	defaultComparators     *Comparators
	defaultComparatorsOnce sync.Once
)

// DefaultComparators returns the shared registry preloaded with before,
// after, not_after and not_before.
func DefaultComparators() *Comparators {
	defaultComparatorsOnce.Do(func() {
		defaultComparators = NewComparators()
		defaultComparators.Register("before", func(a, b time.Time) bool { return a.Before(b) })
		defaultComparators.Register("after", func(a, b time.Time) bool { return a.After(b) })
		defaultComparators.Register("not_after", func(a, b time.Time) bool { return !a.After(b) })
		defaultComparators.Register("not_before", func(a, b time.Time) bool { return !a.Before(b) })
	})
	return defaultComparators
}

// NewComparators creates an empty registry.
func NewComparators() *Comparators {
	return &Comparators{funcs: make(map[string]Comparator)}
}

// Register adds or replaces a comparator.
func (c *Comparators) Register(name string, fn Comparator) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.funcs[strings.ToLower(name)] = fn
}

// Get looks up a comparator by case-insensitive name.
func (c *Comparators) Get(name string) (Comparator, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	fn, ok := c.funcs[strings.ToLower(strings.TrimSpace(name))]
	return fn, ok
}
