package memory

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/giantswarm/oauth-ext/storage"
)

// ============================================================
// AccessTokenStore Implementation
// ============================================================

// SaveAccessToken stores an issued token record indexed by its hashes
func (s *Store) SaveAccessToken(ctx context.Context, token *storage.AccessToken) (err error) {
	ctx, span := s.startStorageSpan(ctx, "save_access_token")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "save_access_token", err, startTime) }()

	if token == nil || token.ID == "" || token.TokenHash == "" {
		return fmt.Errorf("invalid access token")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tokensByHash[token.TokenHash]; exists {
		return fmt.Errorf("%w: token hash", storage.ErrAlreadyExists)
	}

	s.accessTokens[token.ID] = cloneToken(token)
	s.tokensByHash[token.TokenHash] = token.ID
	if token.RefreshTokenHash != "" {
		s.tokensByRefresh[token.RefreshTokenHash] = token.ID
	}
	s.tokensCountAtomic.Store(int64(len(s.accessTokens)))
	return nil
}

// GetAccessTokenByHash retrieves a token by the hash of its value
func (s *Store) GetAccessTokenByHash(ctx context.Context, tokenHash string) (*storage.AccessToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.tokensByHash[tokenHash]
	if !ok {
		return nil, storage.ErrTokenNotFound
	}
	return cloneToken(s.accessTokens[id]), nil
}

// GetAccessTokenByRefreshHash retrieves a token by the hash of its refresh token
func (s *Store) GetAccessTokenByRefreshHash(ctx context.Context, refreshHash string) (*storage.AccessToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.tokensByRefresh[refreshHash]
	if !ok {
		return nil, storage.ErrTokenNotFound
	}
	return cloneToken(s.accessTokens[id]), nil
}

// RevokeAccessToken flags a token as revoked
func (s *Store) RevokeAccessToken(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tok, ok := s.accessTokens[id]
	if !ok {
		return storage.ErrTokenNotFound
	}
	tok.Revoked = true
	return nil
}

func cloneToken(t *storage.AccessToken) *storage.AccessToken {
	out := *t
	out.Scopes = slices.Clone(t.Scopes)
	return &out
}
