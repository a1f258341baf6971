// Package threat defines the capability interface for external
// threat-intelligence lookups. Real providers (abuse databases, reputation
// APIs) plug in behind Provider; the engine itself never performs these
// queries.
package threat

import (
	"context"
	"errors"
)

// ErrNoProvider is returned by the noop provider for every lookup.
var ErrNoProvider = errors.New("no threat intelligence provider configured")

// Reputation is the result of a threat-intelligence lookup for an address.
type Reputation struct {
	Address    string   `json:"address"`
	Score      float64  `json:"score"` // 0 benign .. 1 malicious
	Categories []string `json:"categories,omitempty"`
	Source     string   `json:"source"`
}

// Provider looks up address reputation from an external source. Lookups must
// respect the context deadline.
type Provider interface {
	Lookup(ctx context.Context, address string) (*Reputation, error)
}

// NoopProvider is the default provider: every lookup reports that no source
// is configured.
type NoopProvider struct{}

func (NoopProvider) Lookup(_ context.Context, address string) (*Reputation, error) {
	return nil, ErrNoProvider
}
