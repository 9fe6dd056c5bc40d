package storage

import (
	"context"
	"time"
)

// PushedRequestStore persists pushed authorization requests (RFC 9126).
// All methods accept context.Context for tracing and cancellation.
type PushedRequestStore interface {
	// SavePushedRequest stores a new pushed request
	SavePushedRequest(ctx context.Context, req *PushedRequest) error

	// GetPushedRequest retrieves a pushed request by request_uri without consuming it.
	// Used and expired requests are reported as ErrPushedRequestNotFound.
	GetPushedRequest(ctx context.Context, requestURI string) (*PushedRequest, error)

	// ConsumePushedRequest atomically marks an unused, unexpired request owned by
	// clientID as used and returns it. Unknown, used, expired and foreign requests
	// all return ErrPushedRequestNotFound.
	// SECURITY: This operation MUST be atomic so that concurrent consumes have one winner.
	ConsumePushedRequest(ctx context.Context, requestURI, clientID string) (*PushedRequest, error)

	// DeleteExpiredPushedRequests removes requests that expired before now
	DeleteExpiredPushedRequests(ctx context.Context, now time.Time) (int, error)
}

// BackchannelStore persists CIBA backchannel authentication requests.
// All methods accept context.Context for tracing and cancellation.
type BackchannelStore interface {
	// SaveBackchannelRequest stores a new pending request
	SaveBackchannelRequest(ctx context.Context, req *BackchannelRequest) error

	// GetBackchannelRequest retrieves a request by auth_req_id
	GetBackchannelRequest(ctx context.Context, authReqID string) (*BackchannelRequest, error)

	// CompleteBackchannelRequest atomically moves a pending, unexpired request to
	// the given terminal decision status. Returns ErrBackchannelNotPending (with
	// the current record) when the request already left the pending state or expired.
	// SECURITY: This operation MUST be atomic so that concurrent completions have one winner.
	CompleteBackchannelRequest(ctx context.Context, authReqID, userID string, status BackchannelStatus, completedAt time.Time) (*BackchannelRequest, error)

	// RecordBackchannelPoll atomically stores polledAt as the last poll time and
	// returns the record as it was before the update.
	RecordBackchannelPoll(ctx context.Context, authReqID string, polledAt time.Time) (*BackchannelRequest, error)

	// UpdateBackchannelInterval sets the minimum polling interval
	UpdateBackchannelInterval(ctx context.Context, authReqID string, interval time.Duration) error

	// ConsumeBackchannelRequest atomically moves an authorized request owned by
	// clientID to the consumed state and returns it. When the request cannot be
	// consumed it returns the current record (when one exists) together with
	// ErrBackchannelNotConsumable so callers can map the state to an error code.
	// SECURITY: This operation MUST be atomic so that a request yields tokens once.
	ConsumeBackchannelRequest(ctx context.Context, authReqID, clientID string, now time.Time) (*BackchannelRequest, error)

	// DeleteExpiredBackchannelRequests removes requests whose expiry (plus the
	// retention grace period) passed before now
	DeleteExpiredBackchannelRequests(ctx context.Context, now time.Time) (int, error)
}

// ReplayStore tracks single-use identifiers such as DPoP proof jti values.
type ReplayStore interface {
	// MarkUsed atomically records id until expiresAt. It returns ErrReplayDetected
	// if id is already recorded and has not expired.
	// SECURITY: This operation MUST be an atomic check-and-set.
	MarkUsed(ctx context.Context, id string, expiresAt time.Time) error
}

// AccessTokenStore persists issued access tokens (by hash, never in clear text).
type AccessTokenStore interface {
	// SaveAccessToken stores an issued token record
	SaveAccessToken(ctx context.Context, token *AccessToken) error

	// GetAccessTokenByHash retrieves a token by the SHA-256 hash of its value
	GetAccessTokenByHash(ctx context.Context, tokenHash string) (*AccessToken, error)

	// GetAccessTokenByRefreshHash retrieves a token by the SHA-256 hash of its refresh token
	GetAccessTokenByRefreshHash(ctx context.Context, refreshHash string) (*AccessToken, error)

	// RevokeAccessToken flags a token as revoked
	RevokeAccessToken(ctx context.Context, id string) error
}

// ClientStore provides read access to registered OAuth clients.
type ClientStore interface {
	// GetClient retrieves a client by ID
	GetClient(ctx context.Context, clientID string) (*Client, error)
}

// ScopeStore provides read access to the scope catalog.
type ScopeStore interface {
	// GetScope retrieves a scope by name
	GetScope(ctx context.Context, name string) (*Scope, error)

	// ListScopes lists every scope in the catalog
	ListScopes(ctx context.Context) ([]*Scope, error)
}

// UserStore provides read access to users for identity resolution.
type UserStore interface {
	GetUser(ctx context.Context, userID string) (*User, error)
	FindUserByEmail(ctx context.Context, email string) (*User, error)
	FindUserByPhone(ctx context.Context, phone string) (*User, error)
	FindUserByUsername(ctx context.Context, username string) (*User, error)

	// FindUserByDeviceCode resolves a user code bound to a registered device
	FindUserByDeviceCode(ctx context.Context, userCode string) (*User, error)
}
