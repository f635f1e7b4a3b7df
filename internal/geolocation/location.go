package geolocation

import (
	"context"
	"errors"
)

// ErrNotConfigured is returned by resolvers that have nothing to resolve with.
var ErrNotConfigured = errors.New("geolocation: resolver not configured")

// Location is the enrichment attached to a request log entry. Unknown parts
// are empty strings.
type Location struct {
	Country string `json:"country"`
	City    string `json:"city"`
}

// Resolver maps an address to a location. It may fail with a transport or
// lookup error; callers decide how to degrade.
type Resolver interface {
	Resolve(ctx context.Context, ip string) (Location, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, ip string) (Location, error)

func (f ResolverFunc) Resolve(ctx context.Context, ip string) (Location, error) {
	return f(ctx, ip)
}

// NopResolver always fails, so lookups degrade to an empty location.
type NopResolver struct{}

func (NopResolver) Resolve(context.Context, string) (Location, error) {
	return Location{}, ErrNotConfigured
}
