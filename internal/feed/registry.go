// Package feed holds the oracle prices the curve tracks. Prices only change
// through FeedPriceUpdate events so the core stays replayable.
package feed

import (
	"PerpCurve/internal/apperr"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// Source is the read side used by the curve: the latest price published
// under a feed name.
type Source interface {
	Price(name string) (decimal.Decimal, bool)
}

// Ref binds an asset to a feed. The target price in reserve units per token
// is feed price * Multiplier.
type Ref struct {
	Name       string          `json:"name"`
	Multiplier decimal.Decimal `json:"multiplier"`
}

// Resolve returns the target price for the ref, or false when the feed has
// never published.
func (r Ref) Resolve(src Source) (decimal.Decimal, bool) {
	if src == nil {
		return decimal.Zero, false
	}
	p, ok := src.Price(r.Name)
	if !ok || p.Sign() <= 0 {
		return decimal.Zero, false
	}
	return p.Mul(r.Multiplier), true
}

func (r Ref) String() string {
	return r.Name + "*" + r.Multiplier.String()
}

// Validate checks the ref is usable.
func (r Ref) Validate() error {
	if r.Name == "" {
		return apperr.Validation("feed name required")
	}
	if strings.ContainsAny(r.Name, "*: ") {
		return apperr.Validation("feed name %q contains reserved characters", r.Name)
	}
	if r.Multiplier.Sign() <= 0 {
		return apperr.Validation("feed multiplier must be positive")
	}
	return nil
}

// ParseRef parses "NAME*MULTIPLIER"; a bare name means multiplier 1.
func ParseRef(s string) (Ref, error) {
	name, mult, found := strings.Cut(s, "*")
	ref := Ref{Name: name, Multiplier: decimal.NewFromInt(1)}
	if found {
		m, err := decimal.NewFromString(mult)
		if err != nil {
			return Ref{}, apperr.Validation("bad feed multiplier %q", mult)
		}
		ref.Multiplier = m
	}
	if err := ref.Validate(); err != nil {
		return Ref{}, err
	}
	return ref, nil
}

// Quote is one published price.
type Quote struct {
	Price     decimal.Decimal `json:"price"`
	Sequence  int64           `json:"sequence"`
	Timestamp int64           `json:"timestamp"`
}

// Registry keeps the latest quote per feed.
type Registry struct {
	quotes map[string]Quote
}

func NewRegistry() *Registry {
	return &Registry{quotes: make(map[string]Quote)}
}

// Update records a new quote. Out-of-order quotes (sequence not above the
// last accepted one) are ignored and reported with false.
func (r *Registry) Update(name string, price decimal.Decimal, sequence, ts int64) (bool, error) {
	if name == "" {
		return false, apperr.Validation("feed name required")
	}
	if price.Sign() <= 0 {
		return false, apperr.Validation("feed %s: price must be positive, got %s", name, price)
	}
	if prev, ok := r.quotes[name]; ok && sequence <= prev.Sequence {
		return false, nil
	}
	r.quotes[name] = Quote{Price: price, Sequence: sequence, Timestamp: ts}
	return true, nil
}

func (r *Registry) Price(name string) (decimal.Decimal, bool) {
	q, ok := r.quotes[name]
	if !ok {
		return decimal.Zero, false
	}
	return q.Price, true
}

func (r *Registry) Quote(name string) (Quote, bool) {
	q, ok := r.quotes[name]
	return q, ok
}

// Names returns feed names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.quotes))
	for n := range r.quotes {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Snapshot copies the registry for persistence.
func (r *Registry) Snapshot() map[string]Quote {
	out := make(map[string]Quote, len(r.quotes))
	for k, v := range r.quotes {
		out[k] = v
	}
	return out
}

// Restore replaces the registry contents from a snapshot.
func (r *Registry) Restore(quotes map[string]Quote) {
	r.quotes = make(map[string]Quote, len(quotes))
	for k, v := range quotes {
		r.quotes[k] = v
	}
}

// Static is a fixed Source, handy for quotes computed outside the core.
type Static map[string]decimal.Decimal

func (s Static) Price(name string) (decimal.Decimal, bool) {
	p, ok := s[name]
	return p, ok
}

var _ Source = (*Registry)(nil)
var _ Source = Static(nil)

func (q Quote) String() string {
	return fmt.Sprintf("%s@%d", q.Price, q.Sequence)
}
