package pubsub

import "context"

type ctxKey string

// CtxKeyNamespaceOverride carries a per-call namespace that replaces the
// Manager's own, e.g. to relay several feeds through one host.
const CtxKeyNamespaceOverride ctxKey = "pubsub_ns_override"

// WithNamespace returns ctx with a namespace override.
func WithNamespace(ctx context.Context, ns string) context.Context {
	return context.WithValue(ctx, CtxKeyNamespaceOverride, ns)
}
