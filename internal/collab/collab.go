// Package collab defines the external collaborator interfaces the
// core deliberately does not implement: wire codec, authentication,
// and the portmap/rpcbind client. These correspond directly to spec
// §1's Non-goals (a) wire format, (b) XDR internals, (c) portmap/
// rpcbind wire protocol, (d) pluggable auth beyond pass-through.
package collab

import "context"

// Codec handles RPC message framing and XDR encode/decode for a single
// transport. Implementations own the record-marking (TCP) or
// datagram (UDP) framing; the core only calls these methods in the
// fixed order recv -> get_args -> reply -> free_args.
type Codec interface {
	// Recv reads and decodes the next RPC call header into an
	// implementation-defined in-flight call state, returning false if
	// no complete message is available yet (e.g. a partial TCP record).
	Recv(ctx context.Context) (ok bool, err error)

	// GetArgs decodes the procedure arguments from the most recently
	// received call into argsOut.
	GetArgs(argsOut any) error

	// Reply encodes and transmits a reply built from result.
	Reply(result any) error

	// FreeArgs releases any XDR-allocated storage referenced by the
	// most recently decoded arguments.
	FreeArgs() error

	// Close releases the codec's own resources; it does not close the
	// underlying socket.
	Close() error
}

// AuthResult carries the outcome of authenticating one request.
type AuthResult struct {
	Accepted bool
	// Credential is the decoded, opaque credential the dispatch
	// function may inspect; nil for AUTH_NONE.
	Credential any
}

// Authenticator validates a request's credentials. It is only invoked
// when the request's auth flavor is not AUTH_NONE (spec §4.4's
// null-flavor short-circuit).
type Authenticator interface {
	Authenticate(flavor uint32, credentials []byte) (AuthResult, error)
}

// Worker is the fixed protocol a dispatch function uses to walk a
// request to completion: get_args, reply, free_args, return. The
// callout table only needs this shape to invoke a registered handler;
// its concrete implementation (the pipeline's per-request context)
// lives alongside the state machine that drives these calls in order.
type Worker interface {
	GetArgs(argsOut any) error
	Reply(result any) error
	FreeArgs() error
	Return()
}

// PmapClient registers and deregisters (program, version, protocol,
// port) tuples with an external portmap/rpcbind service. Unlike Codec
// and Authenticator, this one ships a concrete default implementation
// (internal/pmap) because the core actively calls out to it during
// startup/shutdown, even though the wire protocol it speaks is out of
// scope for this module.
type PmapClient interface {
	Set(program, version, protocol uint32, port int) error
	Unset(program, version uint32) error
}
