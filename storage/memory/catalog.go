package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/giantswarm/oauth-ext/storage"
)

// ============================================================
// ClientStore Implementation
// ============================================================

// SaveClient registers or replaces a client
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	if client == nil || client.ClientID == "" {
		return fmt.Errorf("invalid client")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := *client
	s.clients[client.ClientID] = &c
	s.logger.Debug("Saved client", "client_id", client.ClientID)
	return nil
}

// GetClient retrieves a client by ID
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	client, ok := s.clients[clientID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
	}
	c := *client
	return &c, nil
}

// ============================================================
// ScopeStore Implementation
// ============================================================

// SaveScope adds or replaces a scope in the catalog
func (s *Store) SaveScope(ctx context.Context, scope *storage.Scope) error {
	if scope == nil || scope.Name == "" {
		return fmt.Errorf("invalid scope")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sc := *scope
	s.scopes[scope.Name] = &sc
	return nil
}

// GetScope retrieves a scope by name
func (s *Store) GetScope(ctx context.Context, name string) (*storage.Scope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	scope, ok := s.scopes[name]
	if !ok {
		return nil, storage.ErrScopeNotFound
	}
	sc := *scope
	return &sc, nil
}

// ListScopes lists every scope sorted by name
func (s *Store) ListScopes(ctx context.Context) ([]*storage.Scope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*storage.Scope, 0, len(s.scopes))
	for _, scope := range s.scopes {
		sc := *scope
		out = append(out, &sc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ============================================================
// UserStore Implementation
// ============================================================

// SaveUser adds or replaces a user
func (s *Store) SaveUser(ctx context.Context, user *storage.User) error {
	if user == nil || user.ID == "" {
		return fmt.Errorf("invalid user")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	u := *user
	u.DeviceCodes = slices.Clone(user.DeviceCodes)
	s.users[user.ID] = &u
	return nil
}

// GetUser retrieves a user by ID
func (s *Store) GetUser(ctx context.Context, userID string) (*storage.User, error) {
	return s.findUser(func(u *storage.User) bool { return u.ID == userID })
}

// FindUserByEmail finds a user by email, case-insensitively
func (s *Store) FindUserByEmail(ctx context.Context, email string) (*storage.User, error) {
	return s.findUser(func(u *storage.User) bool { return u.Email != "" && strings.EqualFold(u.Email, email) })
}

// FindUserByPhone finds a user by phone number
func (s *Store) FindUserByPhone(ctx context.Context, phone string) (*storage.User, error) {
	return s.findUser(func(u *storage.User) bool { return u.Phone != "" && u.Phone == phone })
}

// FindUserByUsername finds a user by username, case-insensitively
func (s *Store) FindUserByUsername(ctx context.Context, username string) (*storage.User, error) {
	return s.findUser(func(u *storage.User) bool { return u.Username != "" && strings.EqualFold(u.Username, username) })
}

// FindUserByDeviceCode finds the user owning a registered device user code
func (s *Store) FindUserByDeviceCode(ctx context.Context, userCode string) (*storage.User, error) {
	return s.findUser(func(u *storage.User) bool { return slices.Contains(u.DeviceCodes, userCode) })
}

func (s *Store) findUser(match func(*storage.User) bool) (*storage.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, user := range s.users {
		if match(user) {
			u := *user
			u.DeviceCodes = slices.Clone(user.DeviceCodes)
			return &u, nil
		}
	}
	return nil, storage.ErrUserNotFound
}
