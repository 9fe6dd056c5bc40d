package security

import "time"

// DefaultClockSkewGracePeriod is the default tolerance for clock differences
// between clients and this server when checking expiry and issued-at times.
const DefaultClockSkewGracePeriod = 5 * time.Second

// IsExpiredAt reports whether expiresAt lies more than gracePeriod before now.
// A zero expiresAt never expires.
func IsExpiredAt(expiresAt, now time.Time, gracePeriod time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return now.After(expiresAt.Add(gracePeriod))
}

// IssuedAtStatus classifies an issued-at time against a freshness window
type IssuedAtStatus int

// Issued-at classifications
const (
	IssuedAtFresh IssuedAtStatus = iota
	IssuedAtStale
	IssuedAtFuture
)

// CheckIssuedAt classifies iat: older than maxAge (plus skew) is stale, later
// than now (plus skew) is in the future.
func CheckIssuedAt(iat, now time.Time, maxAge, skew time.Duration) IssuedAtStatus {
	if iat.After(now.Add(skew)) {
		return IssuedAtFuture
	}
	if now.Sub(iat) > maxAge+skew {
		return IssuedAtStale
	}
	return IssuedAtFresh
}
