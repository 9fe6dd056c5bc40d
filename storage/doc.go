// Package storage provides interfaces and shared types for persisting the state of
// the OAuth extension flows.
//
// The storage package defines the storage interfaces used throughout the oauth-ext library:
//   - PushedRequestStore: Pushed authorization requests (RFC 9126), consumed exactly once
//   - BackchannelStore: CIBA authentication requests and their state machine
//   - ReplayStore: Single-use identifiers (DPoP proof jti values)
//   - AccessTokenStore: Issued access tokens with their DPoP or certificate binding
//   - ClientStore, ScopeStore, UserStore: Read access to the catalogs owned by the host server
//
// All state transitions that must happen at most once (consuming a pushed request,
// completing or consuming a backchannel request, recording a jti) are single
// atomic operations of the store, so callers never check-then-act.
//
// Implementations are provided in subpackages:
//   - storage/memory: In-memory storage for development, testing and single instances
//   - storage/valkey: Valkey/Redis-compatible distributed storage for production
package storage
