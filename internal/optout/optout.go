// Package optout is the default compliance gate, backed by the local
// opt_outs table. Deployments with an external consent system implement
// dispatch.Gate themselves and skip this package.
package optout

import (
	"context"
	"time"

	"smsflow/internal/dispatch"
	"smsflow/internal/store"
)

type Registry struct {
	st *store.Store
}

var _ dispatch.Gate = (*Registry)(nil)

func NewRegistry(st *store.Store) *Registry { return &Registry{st: st} }

// IsOptedOut looks up the normalized destination. Errors propagate so the
// engine can fail closed.
func (r *Registry) IsOptedOut(ctx context.Context, destination string) (bool, error) {
	return r.st.OptedOut(ctx, destination)
}

// OptOut records an active opt-out for a destination.
func (r *Registry) OptOut(ctx context.Context, destination, source string, at time.Time) error {
	dest, err := dispatch.NormalizeDestination(destination)
	if err != nil {
		return err
	}
	return r.st.PutOptOut(ctx, store.OptOut{
		Destination: dest, Active: true, Source: source, OptedOutAt: at,
	})
}

// OptIn reverses an opt-out. The row is kept inactive for audit.
func (r *Registry) OptIn(ctx context.Context, destination string, at time.Time) error {
	dest, err := dispatch.NormalizeDestination(destination)
	if err != nil {
		return err
	}
	return r.st.PutOptOut(ctx, store.OptOut{
		Destination: dest, Active: false, Source: "opt-in", OptedOutAt: at,
	})
}
