package valkey

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/giantswarm/oauth-ext/internal/util"
	"github.com/giantswarm/oauth-ext/storage"
)

// luaRevokeToken flags a token record as revoked, keeping its TTL.
//
// KEYS[1] = token key
const luaRevokeToken = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end

local tok = cjson.decode(data)
tok.revoked = true
redis.call('SET', KEYS[1], cjson.encode(tok), 'KEEPTTL')
return 'OK'
`

// accessTokenJSON is the stored form of an access token record
type accessTokenJSON struct {
	ID               string `json:"id"`
	TokenHash        string `json:"token_hash"`
	RefreshTokenHash string `json:"refresh_token_hash,omitempty"`
	ClientID         string `json:"client_id"`
	UserID           string `json:"user_id,omitempty"`
	Scope            string `json:"scope,omitempty"`
	Audience         string `json:"audience,omitempty"`
	Resource         string `json:"resource,omitempty"`
	ActorClientID    string `json:"actor_client_id,omitempty"`
	TokenType        string `json:"token_type"`
	JKT              string `json:"jkt,omitempty"`
	X5TS256          string `json:"x5t_s256,omitempty"`
	IssuedAt         int64  `json:"issued_at"`
	ExpiresAt        int64  `json:"expires_at"`
	Revoked          bool   `json:"revoked,omitempty"`
}

func toAccessTokenJSON(t *storage.AccessToken) *accessTokenJSON {
	return &accessTokenJSON{
		ID:               t.ID,
		TokenHash:        t.TokenHash,
		RefreshTokenHash: t.RefreshTokenHash,
		ClientID:         t.ClientID,
		UserID:           t.UserID,
		Scope:            strings.Join(t.Scopes, " "),
		Audience:         t.Audience,
		Resource:         t.Resource,
		ActorClientID:    t.ActorClientID,
		TokenType:        t.TokenType,
		JKT:              t.JKT,
		X5TS256:          t.X5TS256,
		IssuedAt:         t.IssuedAt.UnixMilli(),
		ExpiresAt:        t.ExpiresAt.UnixMilli(),
		Revoked:          t.Revoked,
	}
}

func fromAccessTokenJSON(j *accessTokenJSON) *storage.AccessToken {
	return &storage.AccessToken{
		ID:               j.ID,
		TokenHash:        j.TokenHash,
		RefreshTokenHash: j.RefreshTokenHash,
		ClientID:         j.ClientID,
		UserID:           j.UserID,
		Scopes:           strings.Fields(j.Scope),
		Audience:         j.Audience,
		Resource:         j.Resource,
		ActorClientID:    j.ActorClientID,
		TokenType:        j.TokenType,
		JKT:              j.JKT,
		X5TS256:          j.X5TS256,
		IssuedAt:         time.UnixMilli(j.IssuedAt),
		ExpiresAt:        time.UnixMilli(j.ExpiresAt),
		Revoked:          j.Revoked,
	}
}

// ============================================================
// AccessTokenStore Implementation
// ============================================================

// SaveAccessToken stores a token record and its hash lookups, all expiring with the token
func (s *Store) SaveAccessToken(ctx context.Context, token *storage.AccessToken) (err error) {
	ctx, span := s.startStorageSpan(ctx, "save_access_token")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "save_access_token", err, startTime) }()

	if token == nil || token.ID == "" || token.TokenHash == "" {
		return fmt.Errorf("invalid access token")
	}

	ttl := calculateTTL(token.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("access token already expired")
	}

	if err := s.setJSON(ctx, s.tokenKey(token.ID), toAccessTokenJSON(token), ttl); err != nil {
		return fmt.Errorf("failed to save access token: %w", err)
	}
	if err := s.client.Do(ctx,
		s.client.B().Set().Key(s.tokenHashKey(token.TokenHash)).Value(token.ID).Ex(ttl).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to save access token lookup: %w", err)
	}
	if token.RefreshTokenHash != "" {
		if err := s.client.Do(ctx,
			s.client.B().Set().Key(s.refreshHashKey(token.RefreshTokenHash)).Value(token.ID).Ex(ttl).Build(),
		).Error(); err != nil {
			return fmt.Errorf("failed to save refresh token lookup: %w", err)
		}
	}

	s.logger.Debug("Saved access token",
		"token_id", util.SafeTruncate(token.ID, idLogLength),
		"client_id", token.ClientID,
		"token_type", token.TokenType)
	return nil
}

// GetAccessTokenByHash retrieves a token by the hash of its value
func (s *Store) GetAccessTokenByHash(ctx context.Context, tokenHash string) (*storage.AccessToken, error) {
	return s.getTokenByLookup(ctx, s.tokenHashKey(tokenHash))
}

// GetAccessTokenByRefreshHash retrieves a token by the hash of its refresh token
func (s *Store) GetAccessTokenByRefreshHash(ctx context.Context, refreshHash string) (*storage.AccessToken, error) {
	return s.getTokenByLookup(ctx, s.refreshHashKey(refreshHash))
}

func (s *Store) getTokenByLookup(ctx context.Context, lookupKey string) (*storage.AccessToken, error) {
	id, err := s.client.Do(ctx, s.client.B().Get().Key(lookupKey).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrTokenNotFound
		}
		return nil, fmt.Errorf("failed to get access token lookup: %w", err)
	}

	j, err := getAndUnmarshal[accessTokenJSON](ctx, s, s.tokenKey(id), storage.ErrTokenNotFound)
	if err != nil {
		return nil, err
	}
	return fromAccessTokenJSON(j), nil
}

// RevokeAccessToken flags a token as revoked
func (s *Store) RevokeAccessToken(ctx context.Context, id string) error {
	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaRevokeToken).
			Numkeys(1).
			Key(s.tokenKey(id)).
			Build(),
	).ToString()
	if err != nil {
		return fmt.Errorf("failed to revoke access token: %w", err)
	}
	if result == resultNotFound {
		return storage.ErrTokenNotFound
	}

	s.logger.Info("Revoked access token", "token_id", util.SafeTruncate(id, idLogLength))
	return nil
}
