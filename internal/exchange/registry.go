package exchange

import (
	"fmt"
	"sort"
	"strings"
)

// Name identifies a supported exchange.
type Name string

const (
	Binance Name = "binance"
	Bybit   Name = "bybit"
)

var supported = map[Name]struct{}{
	Binance: {},
	Bybit:   {},
}

// ParseName validates an exchange name against the supported set.
func ParseName(s string) (Name, error) {
	n := Name(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := supported[n]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownExchange, s)
	}
	return n, nil
}

// Credentials are the API secrets a Factory needs to build a Client.
type Credentials struct {
	APIKey     string
	APISecret  string
	Passphrase string
}

// Factory builds a Client bound to one set of credentials.
type Factory func(creds Credentials) (Client, error)

// Registry maps exchange names to factories.
type Registry struct {
	factories map[Name]Factory
}

// NewRegistry creates a registry. Factories for names outside the supported
// set are rejected.
func NewRegistry(factories map[Name]Factory) (*Registry, error) {
	r := &Registry{factories: make(map[Name]Factory, len(factories))}
	for name, f := range factories {
		if _, ok := supported[name]; !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownExchange, name)
		}
		r.factories[name] = f
	}
	return r, nil
}

// Client constructs a fresh client for the named exchange.
func (r *Registry) Client(name string, creds Credentials) (Client, error) {
	n, err := ParseName(name)
	if err != nil {
		return nil, err
	}
	f, ok := r.factories[n]
	if !ok {
		return nil, fmt.Errorf("%w: %q is not configured", ErrUnknownExchange, n)
	}
	return f(creds)
}

// Names lists the configured exchanges in stable order.
func (r *Registry) Names() []Name {
	names := make([]Name, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}
