// Package broker adapts the low-level Kotak Neo and Alice Blue clients to
// the domain model: it owns credential lookup, session reuse, and the
// conversion of wire records into model types.
package broker

import (
	"context"
	"sort"
	"strconv"
	"strings"

	"stopsafe/internal/model"
)

// Integration is one connected broker, keyed by its registry name.
type Integration interface {
	Name() string

	// LoggedIn reports whether the user has a live session.
	LoggedIn(ctx context.Context, userID string) bool

	// Holdings returns the user's holdings book in model form.
	Holdings(ctx context.Context, userID string) ([]model.Holding, error)

	// PlaceStopLossOrder submits a stop-loss-market order and returns the
	// broker order number.
	PlaceStopLossOrder(ctx context.Context, userID string, order model.StopLossOrder) (string, error)

	// Logout drops the user's cached session.
	Logout(ctx context.Context, userID string) error
}

// Registry holds the configured integrations by name.
type Registry struct {
	byName map[string]Integration
}

func NewRegistry(integrations ...Integration) *Registry {
	r := &Registry{byName: make(map[string]Integration, len(integrations))}
	for _, it := range integrations {
		r.byName[it.Name()] = it
	}
	return r
}

func (r *Registry) Get(name string) (Integration, bool) {
	it, ok := r.byName[name]
	return it, ok
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// parseF parses broker numeric strings, tolerating blanks and stray
// whitespace. Malformed values read as zero.
func parseF(s string) float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}

func parseI(s string) int64 {
	return int64(parseF(s))
}
