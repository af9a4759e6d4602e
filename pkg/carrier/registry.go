package carrier

import (
	"context"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Options are passed to a Factory when an adapter is built for an account.
type Options struct {
	IsTest      bool
	Facility    string
	Credentials CredentialSource
}

// Factory builds an adapter bound to one carrier account.
type Factory func(acct AccountConfig, opts Options) Adapter

// Registry maps carrier names to adapter factories.
type Registry struct {
	factories map[string]Factory
	creds     CredentialSource
	mu        sync.RWMutex
}

// NewRegistry creates a new carrier registry. creds is handed to every adapter
// the registry builds.
func NewRegistry(creds CredentialSource) *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		creds:     creds,
	}
}

// Register adds a factory under name, replacing any previous one.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Get builds a fresh adapter for the account's carrier. It returns false when
// the carrier is not registered.
func (r *Registry) Get(acct AccountConfig, isTest bool, facility string) (Adapter, bool) {
	r.mu.RLock()
	f, ok := r.factories[acct.Carrier]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if facility == "" {
		facility = acct.Facility
	}
	return f(acct, Options{IsTest: isTest, Facility: facility, Credentials: r.creds}), true
}

// Has reports whether a carrier is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[name]
	return ok
}

// Names returns the registered carrier names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of registered carriers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.factories)
}

// QuoteFunc prices one target. It is supplied by the caller so retries and
// timeouts stay outside the registry.
type QuoteFunc func(ctx context.Context) ([]Rate, error)

// QuoteTarget names one account to price in a QuoteAll call.
type QuoteTarget struct {
	AccountID string
	Carrier   string
	Quote     QuoteFunc
}

// QuoteOutcome is the result of pricing one target.
type QuoteOutcome struct {
	AccountID string
	Carrier   string
	Rates     []Rate
	Err       error
}

// QuoteAll prices every target in parallel. A failing target does not stop
// the others; outcomes are returned in target order.
func QuoteAll(ctx context.Context, targets []QuoteTarget) []QuoteOutcome {
	outcomes := make([]QuoteOutcome, len(targets))

	g, ctx := errgroup.WithContext(ctx)
	for i, t := range targets {
		g.Go(func() error {
			rates, err := t.Quote(ctx)
			outcomes[i] = QuoteOutcome{AccountID: t.AccountID, Carrier: t.Carrier, Rates: rates, Err: err}
			return nil // never fail the group, keep pricing other accounts
		})
	}

	_ = g.Wait()
	return outcomes
}
