// Package security provides the security plumbing shared by the OAuth extension
// endpoints: audit logging, per-client rate limiting, clock-skew aware time
// checks, client IP extraction, request IDs, response security headers and
// encryption of sensitive fields at rest.
//
// # Audit Logging
//
// Auditor writes "security_audit" records through log/slog. User identifiers are
// hashed before logging, and credentials (tokens, proofs, certificates, hints)
// are never part of an event. Event types live in events.go.
//
// # Rate Limiting
//
// RateLimiter keeps one token bucket per identifier (usually the client id)
// with LRU eviction so that a flood of distinct identifiers cannot exhaust memory:
//
//	limiter := security.NewRateLimiter(10, 20, logger)
//	defer limiter.Stop()
//
//	if ok, retryAfter := limiter.Reserve(clientID); !ok {
//	    w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retryAfter.Seconds()))))
//	    // respond 429
//	}
package security
