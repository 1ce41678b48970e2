package orderrequest

import (
	"context"
	"time"
)

// Flag is an attribute presentation flag.
type Flag uint8

const (
	FlagReadOnly Flag = 1 << iota
	FlagHidden
	FlagMandatory
)

// AttributeFlags maps attribute names to flags.
type AttributeFlags map[string]Flag

func (f AttributeFlags) set(attr string, flag Flag) {
	f[attr] |= flag
}

// Has reports whether attr carries flag.
func (f AttributeFlags) Has(attr string, flag Flag) bool {
	return f[attr]&flag != 0
}

// Changes is the set of attributes modified in a write attempt.
type Changes map[string]struct{}

// ChangesOf builds a change set.
func ChangesOf(attrs ...string) Changes {
	c := make(Changes, len(attrs))
	for _, a := range attrs {
		c[a] = struct{}{}
	}
	return c
}

// Has reports whether any of attrs changed.
func (c Changes) Has(attrs ...string) bool {
	for _, a := range attrs {
		if _, ok := c[a]; ok {
			return true
		}
	}
	return false
}

// Only reports whether every change is within attrs.
func (c Changes) Only(attrs ...string) bool {
	allowed := ChangesOf(attrs...)
	for a := range c {
		if !allowed.Has(a) {
			return false
		}
	}
	return true
}

// Resolver looks up related objects. Missing objects report false and never fail.
type Resolver interface {
	Order(ctx context.Context, id int64) (*OrderRequest, bool)
	Line(ctx context.Context, id int64) (*LineItem, bool)
	Type(ctx context.Context, id int64) (*RequestType, bool)
}

// HookContext carries the circumstances of a hook invocation.
type HookContext struct {
	IsNew    bool
	Changes  Changes
	Stimulus Stimulus
	ActorID  int64
	Now      time.Time
	Resolver Resolver

	// OrderID is an explicit parent reference supplied by the caller.
	OrderID int64
	// Source is the order whose collection the object is being added to.
	Source *OrderRequest
	// Import marks non-interactive bulk writes.
	Import bool
}

func (hc HookContext) now() time.Time {
	if hc.Now.IsZero() {
		return time.Now()
	}
	return hc.Now
}

func (hc HookContext) resolveOrder(ctx context.Context, id int64) (*OrderRequest, bool) {
	if hc.Resolver == nil || id <= 0 {
		return nil, false
	}
	return hc.Resolver.Order(ctx, id)
}

func (hc HookContext) resolveType(ctx context.Context, id int64) (*RequestType, bool) {
	if hc.Resolver == nil || id <= 0 {
		return nil, false
	}
	return hc.Resolver.Type(ctx, id)
}

func (hc HookContext) resolveLine(ctx context.Context, id int64) (*LineItem, bool) {
	if hc.Resolver == nil || id <= 0 {
		return nil, false
	}
	return hc.Resolver.Line(ctx, id)
}

// Hooks is the lifecycle contract implemented per entity type.
type Hooks[T any] interface {
	// Prefill applies creation defaults.
	Prefill(ctx context.Context, obj T, hc HookContext)
	// InitialFlags returns attribute flags for a creation form.
	InitialFlags(obj T) AttributeFlags
	// Flags returns attribute flags for an existing object.
	Flags(obj T) AttributeFlags
	// ComputeValues refreshes derived attributes before persisting.
	ComputeValues(ctx context.Context, obj T, hc HookContext)
	// CheckToWrite validates a write attempt.
	CheckToWrite(ctx context.Context, obj T, hc HookContext) Issues
	// AfterWrite propagates rollups once the object is written.
	AfterWrite(ctx context.Context, obj T, hc HookContext)
	// CheckToDelete validates a deletion attempt.
	CheckToDelete(ctx context.Context, obj T, hc HookContext) Issues
	// AllowedTransitions enumerates the stimuli currently permitted.
	AllowedTransitions(ctx context.Context, obj T, hc HookContext) []Stimulus
}

var (
	_ Hooks[*RequestType]  = (*TypeRules)(nil)
	_ Hooks[*OrderRequest] = (*OrderRules)(nil)
	_ Hooks[*LineItem]     = (*LineRules)(nil)
	_ Hooks[*ReceiptEntry] = (*ReceiptRules)(nil)
)

// aggregateResolver resolves objects within one loaded aggregate plus a type lookup.
type aggregateResolver struct {
	order *OrderRequest
	types func(ctx context.Context, id int64) (*RequestType, bool)
}

func (r aggregateResolver) Order(_ context.Context, id int64) (*OrderRequest, bool) {
	if r.order == nil || r.order.ID != id {
		return nil, false
	}
	return r.order, true
}

func (r aggregateResolver) Line(_ context.Context, id int64) (*LineItem, bool) {
	return r.order.Line(id)
}

func (r aggregateResolver) Type(ctx context.Context, id int64) (*RequestType, bool) {
	if r.types == nil {
		return nil, false
	}
	return r.types(ctx, id)
}
