// Package jobctx threads the current job and tenant identity through
// context values, replacing ambient thread-local state with explicit
// context passing.
package jobctx

import (
	"context"

	"github.com/mediagrid/dispatch/pkg/core"
)

type jobKey struct{}
type identityKey struct{}
type callerHostKey struct{}

// Identity is the tenant identity under which job handlers execute.
type Identity struct {
	User         string
	Organization string
}

// WithJob returns a context carrying the currently executing job, so
// that child jobs created by a handler link back to their parent.
func WithJob(ctx context.Context, job *core.Job) context.Context {
	return context.WithValue(ctx, jobKey{}, job)
}

// JobFromContext returns the current Job from context, or nil when not
// inside a job handler.
func JobFromContext(ctx context.Context) *core.Job {
	job, _ := ctx.Value(jobKey{}).(*core.Job)
	return job
}

// WithIdentity returns a context carrying the tenant identity.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFromContext returns the tenant identity from context.
// The zero Identity means no identity was attached.
func IdentityFromContext(ctx context.Context) Identity {
	id, _ := ctx.Value(identityKey{}).(Identity)
	return id
}

// WithCallerHost returns a context carrying the host a remote call
// originated from, used as the created host for jobs made on behalf of
// another node.
func WithCallerHost(ctx context.Context, host string) context.Context {
	return context.WithValue(ctx, callerHostKey{}, host)
}

// CallerHostFromContext returns the caller host, or empty when the call
// is local.
func CallerHostFromContext(ctx context.Context) string {
	host, _ := ctx.Value(callerHostKey{}).(string)
	return host
}
