package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/giantswarm/oauth-ext/storage"
)

// clientJSON is the JSON representation of an OAuth client
type clientJSON struct {
	ClientID                              string               `json:"client_id"`
	ClientSecretHash                      string               `json:"client_secret_hash,omitempty"`
	ClientType                            string               `json:"client_type"`
	ClientName                            string               `json:"client_name,omitempty"`
	OrganizationID                        string               `json:"organization_id,omitempty"`
	RedirectURIs                          []string             `json:"redirect_uris,omitempty"`
	Scopes                                []string             `json:"scopes,omitempty"`
	TokenEndpointAuthMethod               string               `json:"token_endpoint_auth_method,omitempty"`
	MTLSEnabled                           bool                 `json:"mtls_enabled,omitempty"`
	TLSClientCertificateBoundAccessTokens bool                 `json:"tls_client_certificate_bound_access_tokens,omitempty"`
	TLSClientAuthSubjectDN                string               `json:"tls_client_auth_subject_dn,omitempty"`
	CertificateThumbprints                []string             `json:"certificate_thumbprints,omitempty"`
	DPoPBoundAccessTokens                 bool                 `json:"dpop_bound_access_tokens,omitempty"`
	BackchannelDeliveryMode               string               `json:"backchannel_token_delivery_mode,omitempty"`
	BackchannelNotificationEndpoint       string               `json:"backchannel_client_notification_endpoint,omitempty"`
	JWKS                                  string               `json:"jwks,omitempty"`
	PersonalAccess                        bool                 `json:"personal_access,omitempty"`
	Policy                                storage.ClientPolicy `json:"policy"`
	CreatedAt                             int64                `json:"created_at"`
}

func toClientJSON(c *storage.Client) *clientJSON {
	return &clientJSON{
		ClientID:                              c.ClientID,
		ClientSecretHash:                      c.ClientSecretHash,
		ClientType:                            c.ClientType,
		ClientName:                            c.ClientName,
		OrganizationID:                        c.OrganizationID,
		RedirectURIs:                          c.RedirectURIs,
		Scopes:                                c.Scopes,
		TokenEndpointAuthMethod:               c.TokenEndpointAuthMethod,
		MTLSEnabled:                           c.MTLSEnabled,
		TLSClientCertificateBoundAccessTokens: c.TLSClientCertificateBoundAccessTokens,
		TLSClientAuthSubjectDN:                c.TLSClientAuthSubjectDN,
		CertificateThumbprints:                c.CertificateThumbprints,
		DPoPBoundAccessTokens:                 c.DPoPBoundAccessTokens,
		BackchannelDeliveryMode:               string(c.BackchannelDeliveryMode),
		BackchannelNotificationEndpoint:       c.BackchannelNotificationEndpoint,
		JWKS:                                  c.JWKS,
		PersonalAccess:                        c.PersonalAccess,
		Policy:                                c.Policy,
		CreatedAt:                             c.CreatedAt.Unix(),
	}
}

func fromClientJSON(j *clientJSON) *storage.Client {
	return &storage.Client{
		ClientID:                              j.ClientID,
		ClientSecretHash:                      j.ClientSecretHash,
		ClientType:                            j.ClientType,
		ClientName:                            j.ClientName,
		OrganizationID:                        j.OrganizationID,
		RedirectURIs:                          j.RedirectURIs,
		Scopes:                                j.Scopes,
		TokenEndpointAuthMethod:               j.TokenEndpointAuthMethod,
		MTLSEnabled:                           j.MTLSEnabled,
		TLSClientCertificateBoundAccessTokens: j.TLSClientCertificateBoundAccessTokens,
		TLSClientAuthSubjectDN:                j.TLSClientAuthSubjectDN,
		CertificateThumbprints:                j.CertificateThumbprints,
		DPoPBoundAccessTokens:                 j.DPoPBoundAccessTokens,
		BackchannelDeliveryMode:               storage.DeliveryMode(j.BackchannelDeliveryMode),
		BackchannelNotificationEndpoint:       j.BackchannelNotificationEndpoint,
		JWKS:                                  j.JWKS,
		PersonalAccess:                        j.PersonalAccess,
		Policy:                                j.Policy,
		CreatedAt:                             time.Unix(j.CreatedAt, 0),
	}
}

// scopeJSON is the JSON representation of a catalog scope
type scopeJSON struct {
	Name          string `json:"name"`
	Description   string `json:"description,omitempty"`
	Default       bool   `json:"default,omitempty"`
	OwnerClientID string `json:"owner_client_id,omitempty"`
	Sensitive     bool   `json:"sensitive,omitempty"`
}

// userJSON is the JSON representation of a user
type userJSON struct {
	ID          string   `json:"id"`
	Email       string   `json:"email,omitempty"`
	Phone       string   `json:"phone,omitempty"`
	Username    string   `json:"username,omitempty"`
	DeviceCodes []string `json:"device_codes,omitempty"`
}

// ============================================================
// ClientStore Implementation
// ============================================================

// SaveClient saves a registered client
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	if client == nil || client.ClientID == "" {
		return fmt.Errorf("invalid client")
	}
	if err := s.setJSON(ctx, s.clientKey(client.ClientID), toClientJSON(client), 0); err != nil {
		return fmt.Errorf("failed to save client: %w", err)
	}

	s.logger.Debug("Saved client", "client_id", client.ClientID)
	return nil
}

// GetClient retrieves a client by ID
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	j, err := getAndUnmarshal[clientJSON](ctx, s, s.clientKey(clientID), storage.ErrClientNotFound)
	if err != nil {
		return nil, err
	}
	return fromClientJSON(j), nil
}

// ============================================================
// ScopeStore Implementation
// ============================================================

// SaveScope adds or replaces a catalog scope
func (s *Store) SaveScope(ctx context.Context, scope *storage.Scope) error {
	if scope == nil || scope.Name == "" {
		return fmt.Errorf("invalid scope")
	}
	j := scopeJSON(*scope)
	if err := s.setJSON(ctx, s.scopeKey(scope.Name), &j, 0); err != nil {
		return fmt.Errorf("failed to save scope: %w", err)
	}
	return nil
}

// GetScope retrieves a scope by name
func (s *Store) GetScope(ctx context.Context, name string) (*storage.Scope, error) {
	j, err := getAndUnmarshal[scopeJSON](ctx, s, s.scopeKey(name), storage.ErrScopeNotFound)
	if err != nil {
		return nil, err
	}
	scope := storage.Scope(*j)
	return &scope, nil
}

// ListScopes lists the scope catalog sorted by name
func (s *Store) ListScopes(ctx context.Context) ([]*storage.Scope, error) {
	var scopes []*storage.Scope
	err := s.scanJSON(ctx, s.scopeKey("*"), func(data string) error {
		var j scopeJSON
		if err := json.Unmarshal([]byte(data), &j); err != nil {
			return err
		}
		scope := storage.Scope(j)
		scopes = append(scopes, &scope)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list scopes: %w", err)
	}
	sort.Slice(scopes, func(i, j int) bool { return scopes[i].Name < scopes[j].Name })
	return scopes, nil
}

// ============================================================
// UserStore Implementation
// ============================================================

// SaveUser stores a user and its lookup keys (email, phone, username, device codes)
func (s *Store) SaveUser(ctx context.Context, user *storage.User) error {
	if user == nil || user.ID == "" {
		return fmt.Errorf("invalid user")
	}
	j := userJSON(*user)
	if err := s.setJSON(ctx, s.userKey(user.ID), &j, 0); err != nil {
		return fmt.Errorf("failed to save user: %w", err)
	}

	indexes := map[string]string{}
	if user.Email != "" {
		indexes[s.userIndexKey("email", strings.ToLower(user.Email))] = user.ID
	}
	if user.Phone != "" {
		indexes[s.userIndexKey("phone", user.Phone)] = user.ID
	}
	if user.Username != "" {
		indexes[s.userIndexKey("username", strings.ToLower(user.Username))] = user.ID
	}
	for _, code := range user.DeviceCodes {
		indexes[s.userIndexKey("device", code)] = user.ID
	}

	for key, id := range indexes {
		if err := s.client.Do(ctx, s.client.B().Set().Key(key).Value(id).Build()).Error(); err != nil {
			return fmt.Errorf("failed to save user lookup: %w", err)
		}
	}
	return nil
}

// GetUser retrieves a user by ID
func (s *Store) GetUser(ctx context.Context, userID string) (*storage.User, error) {
	j, err := getAndUnmarshal[userJSON](ctx, s, s.userKey(userID), storage.ErrUserNotFound)
	if err != nil {
		return nil, err
	}
	user := storage.User(*j)
	return &user, nil
}

// FindUserByEmail resolves a user by email (case-insensitive)
func (s *Store) FindUserByEmail(ctx context.Context, email string) (*storage.User, error) {
	return s.findUser(ctx, "email", strings.ToLower(email))
}

// FindUserByPhone resolves a user by phone number
func (s *Store) FindUserByPhone(ctx context.Context, phone string) (*storage.User, error) {
	return s.findUser(ctx, "phone", phone)
}

// FindUserByUsername resolves a user by username (case-insensitive)
func (s *Store) FindUserByUsername(ctx context.Context, username string) (*storage.User, error) {
	return s.findUser(ctx, "username", strings.ToLower(username))
}

// FindUserByDeviceCode resolves a user by a registered device user code
func (s *Store) FindUserByDeviceCode(ctx context.Context, userCode string) (*storage.User, error) {
	return s.findUser(ctx, "device", userCode)
}

func (s *Store) findUser(ctx context.Context, kind, value string) (*storage.User, error) {
	if value == "" {
		return nil, storage.ErrUserNotFound
	}
	id, err := s.client.Do(ctx, s.client.B().Get().Key(s.userIndexKey(kind, value)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user lookup: %w", err)
	}
	return s.GetUser(ctx, id)
}

// scanJSON calls fn for the value of every key matching pattern.
// Keys deleted between SCAN and GET are skipped.
func (s *Store) scanJSON(ctx context.Context, pattern string, fn func(data string) error) error {
	seen := make(map[string]struct{})

	var cursor uint64
	for {
		result, err := s.client.Do(ctx,
			s.client.B().Scan().Cursor(cursor).Match(pattern).Count(scanBatchSize).Build(),
		).AsScanEntry()
		if err != nil {
			return fmt.Errorf("failed to scan: %w", err)
		}

		for _, key := range result.Elements {
			// SCAN can return duplicates across iterations
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}

			data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
			if err != nil {
				if isNilError(err) {
					continue
				}
				return fmt.Errorf("failed to get %s: %w", key, err)
			}
			if err := fn(data); err != nil {
				s.logger.Warn("Failed to unmarshal record, skipping", "key", key, "error", err)
			}
		}

		cursor = result.Cursor
		if cursor == 0 {
			return nil
		}
	}
}
