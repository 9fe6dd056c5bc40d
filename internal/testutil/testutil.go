package testutil

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"

	"github.com/giantswarm/oauth-ext/storage"
)

// MockTime provides a controllable time source for deterministic testing
type MockTime struct {
	now time.Time
}

// NewMockTime creates a new mock time provider
func NewMockTime(t time.Time) *MockTime {
	return &MockTime{now: t}
}

// Now returns the current mock time
func (m *MockTime) Now() time.Time {
	return m.now
}

// Advance moves the mock time forward by the given duration
func (m *MockTime) Advance(d time.Duration) {
	m.now = m.now.Add(d)
}

// GenerateRandomString generates a random base64url string of the given length
func GenerateRandomString(length int) string {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("failed to generate random string: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)[:length]
}

// GeneratePKCEPair returns an S256 challenge and its verifier
func GeneratePKCEPair() (challenge, verifier string) {
	verifier = oauth2.GenerateVerifier()
	return oauth2.S256ChallengeFromVerifier(verifier), verifier
}

// TestClientSecret is the clear-text secret of clients built by NewTestClient
const TestClientSecret = "test-client-secret"

// NewTestClient returns a confidential client using client_secret_basic with the
// secret TestClientSecret.
func NewTestClient(clientID string) *storage.Client {
	hash, err := bcrypt.GenerateFromPassword([]byte(TestClientSecret), bcrypt.MinCost)
	if err != nil {
		panic(fmt.Sprintf("failed to hash client secret: %v", err))
	}
	return &storage.Client{
		ClientID:                clientID,
		ClientSecretHash:        string(hash),
		ClientType:              storage.ClientTypeConfidential,
		ClientName:              "Test Client " + clientID,
		RedirectURIs:            []string{"https://client.example.com/callback"},
		Scopes:                  []string{"openid", "profile.read", "email", "api.read", "api.write"},
		TokenEndpointAuthMethod: storage.AuthMethodClientSecretBasic,
		BackchannelDeliveryMode: storage.DeliveryPoll,
		CreatedAt:               time.Now(),
	}
}

// NewTestUser returns a user with email, phone and username set
func NewTestUser(id string) *storage.User {
	return &storage.User{
		ID:       id,
		Email:    id + "@example.com",
		Phone:    "+15550100",
		Username: id,
	}
}
