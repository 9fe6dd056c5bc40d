package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/giantswarm/oauth-ext/instrumentation"
	"github.com/giantswarm/oauth-ext/internal/testutil"
	"github.com/giantswarm/oauth-ext/security"
	"github.com/giantswarm/oauth-ext/storage"
)

const testRequestURI = "urn:ietf:params:oauth:request_uri:abcdefghijklmnopqrstuvwxyz012345"

func newPushedRequest(uri, clientID string, ttl time.Duration) *storage.PushedRequest {
	now := time.Now()
	return &storage.PushedRequest{
		ID:         storage.NewID(now),
		RequestURI: uri,
		ClientID:   clientID,
		Params: storage.PushedParams{
			ResponseType:        "code",
			ClientID:            clientID,
			RedirectURI:         "https://client.example.com/callback",
			CodeChallenge:       strings.Repeat("a", 43),
			CodeChallengeMethod: "S256",
			LoginHint:           "alice@example.com",
		},
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
}

func newBackchannelRequest(id, clientID string, ttl time.Duration) *storage.BackchannelRequest {
	now := time.Now()
	return &storage.BackchannelRequest{
		ID:           storage.NewID(now),
		AuthReqID:    id,
		ClientID:     clientID,
		Scopes:       []string{"openid", "api.read"},
		DeliveryMode: storage.DeliveryPoll,
		UserID:       "user-1",
		Status:       storage.BackchannelPending,
		Interval:     5 * time.Second,
		CreatedAt:    now,
		ExpiresAt:    now.Add(ttl),
	}
}

// ============================================================
// PushedRequestStore Tests
// ============================================================

func TestStore_PushedRequest_ConsumeOnce(t *testing.T) {
	store := New()
	defer store.Stop()
	ctx := context.Background()

	if err := store.SavePushedRequest(ctx, newPushedRequest(testRequestURI, "client-1", time.Minute)); err != nil {
		t.Fatalf("SavePushedRequest() error = %v", err)
	}

	got, err := store.ConsumePushedRequest(ctx, testRequestURI, "client-1")
	if err != nil {
		t.Fatalf("ConsumePushedRequest() error = %v", err)
	}
	if !got.Used {
		t.Error("consumed request should be marked used")
	}
	if got.Params.LoginHint != "alice@example.com" {
		t.Errorf("LoginHint = %q", got.Params.LoginHint)
	}

	if _, err := store.ConsumePushedRequest(ctx, testRequestURI, "client-1"); !errors.Is(err, storage.ErrPushedRequestNotFound) {
		t.Errorf("second ConsumePushedRequest() error = %v, want ErrPushedRequestNotFound", err)
	}
	if _, err := store.GetPushedRequest(ctx, testRequestURI); !errors.Is(err, storage.ErrPushedRequestNotFound) {
		t.Errorf("GetPushedRequest() after consume error = %v, want ErrPushedRequestNotFound", err)
	}
}

func TestStore_PushedRequest_Indistinguishable(t *testing.T) {
	store := New()
	defer store.Stop()
	ctx := context.Background()

	expiredURI := testRequestURI + "x"
	_ = store.SavePushedRequest(ctx, newPushedRequest(testRequestURI, "client-1", time.Minute))
	_ = store.SavePushedRequest(ctx, newPushedRequest(expiredURI, "client-1", -time.Second))

	tests := []struct {
		name     string
		uri      string
		clientID string
	}{
		{"unknown", "urn:ietf:params:oauth:request_uri:unknown", "client-1"},
		{"expired", expiredURI, "client-1"},
		{"wrong client", testRequestURI, "client-2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := store.ConsumePushedRequest(ctx, tt.uri, tt.clientID)
			if !errors.Is(err, storage.ErrPushedRequestNotFound) {
				t.Errorf("ConsumePushedRequest() error = %v, want ErrPushedRequestNotFound", err)
			}
		})
	}

	// The wrong-client attempt must not burn the request for its owner.
	if _, err := store.ConsumePushedRequest(ctx, testRequestURI, "client-1"); err != nil {
		t.Errorf("owner ConsumePushedRequest() error = %v", err)
	}
}

func TestStore_PushedRequest_ConcurrentConsume(t *testing.T) {
	store := New()
	defer store.Stop()
	ctx := context.Background()

	_ = store.SavePushedRequest(ctx, newPushedRequest(testRequestURI, "client-1", time.Minute))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.ConsumePushedRequest(ctx, testRequestURI, "client-1"); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := wins.Load(); got != 1 {
		t.Errorf("successful consumes = %d, want 1", got)
	}
}

func TestStore_PushedRequest_EncryptedAtRest(t *testing.T) {
	store := New()
	defer store.Stop()
	ctx := context.Background()

	key, _ := security.GenerateKey()
	enc, _ := security.NewEncryptor(key)
	store.SetEncryptor(enc)

	_ = store.SavePushedRequest(ctx, newPushedRequest(testRequestURI, "client-1", time.Minute))

	store.mu.RLock()
	raw := store.pushedRequests[testRequestURI].Params.LoginHint
	store.mu.RUnlock()
	if raw == "alice@example.com" {
		t.Error("login_hint stored in clear text")
	}

	got, err := store.GetPushedRequest(ctx, testRequestURI)
	if err != nil {
		t.Fatalf("GetPushedRequest() error = %v", err)
	}
	if got.Params.LoginHint != "alice@example.com" {
		t.Errorf("decrypted LoginHint = %q", got.Params.LoginHint)
	}
}

func TestStore_PushedRequest_Duplicate(t *testing.T) {
	store := New()
	defer store.Stop()
	ctx := context.Background()

	_ = store.SavePushedRequest(ctx, newPushedRequest(testRequestURI, "client-1", time.Minute))
	err := store.SavePushedRequest(ctx, newPushedRequest(testRequestURI, "client-1", time.Minute))
	if !errors.Is(err, storage.ErrAlreadyExists) {
		t.Errorf("SavePushedRequest() duplicate error = %v, want ErrAlreadyExists", err)
	}
}

func TestStore_DeleteExpiredPushedRequests(t *testing.T) {
	store := New()
	defer store.Stop()
	ctx := context.Background()

	_ = store.SavePushedRequest(ctx, newPushedRequest("live", "client-1", time.Minute))
	_ = store.SavePushedRequest(ctx, newPushedRequest("dead", "client-1", -time.Minute))

	deleted, err := store.DeleteExpiredPushedRequests(ctx, time.Now())
	if err != nil {
		t.Fatalf("DeleteExpiredPushedRequests() error = %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1", deleted)
	}
	if _, err := store.GetPushedRequest(ctx, "live"); err != nil {
		t.Errorf("live request was removed: %v", err)
	}
}

// ============================================================
// BackchannelStore Tests
// ============================================================

func TestStore_Backchannel_Lifecycle(t *testing.T) {
	store := New()
	defer store.Stop()
	ctx := context.Background()

	_ = store.SaveBackchannelRequest(ctx, newBackchannelRequest("req-1", "client-1", time.Minute))

	// Not consumable while pending
	got, err := store.ConsumeBackchannelRequest(ctx, "req-1", "client-1", time.Now())
	if !errors.Is(err, storage.ErrBackchannelNotConsumable) {
		t.Fatalf("ConsumeBackchannelRequest() pending error = %v", err)
	}
	if got.Status != storage.BackchannelPending {
		t.Errorf("Status = %v, want pending", got.Status)
	}

	completed, err := store.CompleteBackchannelRequest(ctx, "req-1", "user-1", storage.BackchannelAuthorized, time.Now())
	if err != nil {
		t.Fatalf("CompleteBackchannelRequest() error = %v", err)
	}
	if completed.Status != storage.BackchannelAuthorized || completed.CompletedAt.IsZero() {
		t.Errorf("completed = %+v", completed)
	}

	// Terminal: a second decision is rejected
	again, err := store.CompleteBackchannelRequest(ctx, "req-1", "user-1", storage.BackchannelDenied, time.Now())
	if !errors.Is(err, storage.ErrBackchannelNotPending) {
		t.Fatalf("second CompleteBackchannelRequest() error = %v", err)
	}
	if again.Status != storage.BackchannelAuthorized {
		t.Errorf("Status after rejected completion = %v", again.Status)
	}

	// Wrong client cannot consume and learns nothing
	if _, err := store.ConsumeBackchannelRequest(ctx, "req-1", "client-2", time.Now()); !errors.Is(err, storage.ErrBackchannelRequestNotFound) {
		t.Errorf("foreign ConsumeBackchannelRequest() error = %v", err)
	}

	consumed, err := store.ConsumeBackchannelRequest(ctx, "req-1", "client-1", time.Now())
	if err != nil {
		t.Fatalf("ConsumeBackchannelRequest() error = %v", err)
	}
	if consumed.Status != storage.BackchannelConsumed {
		t.Errorf("Status = %v, want consumed", consumed.Status)
	}

	again, err = store.ConsumeBackchannelRequest(ctx, "req-1", "client-1", time.Now())
	if !errors.Is(err, storage.ErrBackchannelNotConsumable) || again.Status != storage.BackchannelConsumed {
		t.Errorf("second consume = %v, %v", again, err)
	}
}

func TestStore_Backchannel_Expired(t *testing.T) {
	store := New()
	defer store.Stop()
	ctx := context.Background()

	_ = store.SaveBackchannelRequest(ctx, newBackchannelRequest("req-1", "client-1", time.Minute))
	later := time.Now().Add(2 * time.Minute)

	got, err := store.CompleteBackchannelRequest(ctx, "req-1", "user-1", storage.BackchannelAuthorized, later)
	if !errors.Is(err, storage.ErrBackchannelNotPending) {
		t.Fatalf("CompleteBackchannelRequest() after expiry error = %v", err)
	}
	if got.Status != storage.BackchannelExpired {
		t.Errorf("Status = %v, want expired", got.Status)
	}

	got, err = store.ConsumeBackchannelRequest(ctx, "req-1", "client-1", later)
	if !errors.Is(err, storage.ErrBackchannelNotConsumable) || got.Status != storage.BackchannelExpired {
		t.Errorf("ConsumeBackchannelRequest() after expiry = %v, %v", got, err)
	}
}

func TestStore_Backchannel_ConcurrentCompletion(t *testing.T) {
	store := New()
	defer store.Stop()
	ctx := context.Background()

	_ = store.SaveBackchannelRequest(ctx, newBackchannelRequest("req-1", "client-1", time.Minute))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(approve bool) {
			defer wg.Done()
			status := storage.BackchannelDenied
			if approve {
				status = storage.BackchannelAuthorized
			}
			if _, err := store.CompleteBackchannelRequest(ctx, "req-1", "user-1", status, time.Now()); err == nil {
				wins.Add(1)
			}
		}(i%2 == 0)
	}
	wg.Wait()

	if got := wins.Load(); got != 1 {
		t.Errorf("successful completions = %d, want 1", got)
	}
}

func TestStore_Backchannel_PollAndInterval(t *testing.T) {
	store := New()
	defer store.Stop()
	ctx := context.Background()

	_ = store.SaveBackchannelRequest(ctx, newBackchannelRequest("req-1", "client-1", time.Minute))

	first := time.Now()
	prev, err := store.RecordBackchannelPoll(ctx, "req-1", first)
	if err != nil {
		t.Fatalf("RecordBackchannelPoll() error = %v", err)
	}
	if !prev.LastPolledAt.IsZero() {
		t.Errorf("first poll previous LastPolledAt = %v, want zero", prev.LastPolledAt)
	}

	prev, _ = store.RecordBackchannelPoll(ctx, "req-1", first.Add(time.Second))
	if !prev.LastPolledAt.Equal(first) {
		t.Errorf("previous LastPolledAt = %v, want %v", prev.LastPolledAt, first)
	}

	if err := store.UpdateBackchannelInterval(ctx, "req-1", 10*time.Second); err != nil {
		t.Fatalf("UpdateBackchannelInterval() error = %v", err)
	}
	got, _ := store.GetBackchannelRequest(ctx, "req-1")
	if got.Interval != 10*time.Second {
		t.Errorf("Interval = %v, want 10s", got.Interval)
	}

	if _, err := store.RecordBackchannelPoll(ctx, "missing", first); !errors.Is(err, storage.ErrBackchannelRequestNotFound) {
		t.Errorf("RecordBackchannelPoll(missing) error = %v", err)
	}
}

func TestStore_Backchannel_ReturnsCopies(t *testing.T) {
	store := New()
	defer store.Stop()
	ctx := context.Background()

	_ = store.SaveBackchannelRequest(ctx, newBackchannelRequest("req-1", "client-1", time.Minute))
	got, _ := store.GetBackchannelRequest(ctx, "req-1")
	got.Status = storage.BackchannelAuthorized
	got.Scopes[0] = "admin"

	again, _ := store.GetBackchannelRequest(ctx, "req-1")
	if again.Status != storage.BackchannelPending || again.Scopes[0] != "openid" {
		t.Error("caller mutation leaked into the store")
	}
}

func TestStore_DeleteExpiredBackchannelRequests(t *testing.T) {
	store := New()
	defer store.Stop()
	ctx := context.Background()
	store.SetBackchannelRetention(time.Minute)

	_ = store.SaveBackchannelRequest(ctx, newBackchannelRequest("recent", "client-1", -30*time.Second))
	_ = store.SaveBackchannelRequest(ctx, newBackchannelRequest("old", "client-1", -2*time.Minute))

	deleted, _ := store.DeleteExpiredBackchannelRequests(ctx, time.Now())
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1", deleted)
	}
	if _, err := store.GetBackchannelRequest(ctx, "recent"); err != nil {
		t.Errorf("request within retention was removed: %v", err)
	}
}

// ============================================================
// ReplayStore Tests
// ============================================================

func TestStore_MarkUsed(t *testing.T) {
	store := New()
	defer store.Stop()
	ctx := context.Background()

	if err := store.MarkUsed(ctx, "jti-1", time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("MarkUsed() error = %v", err)
	}
	if err := store.MarkUsed(ctx, "jti-1", time.Now().Add(time.Minute)); !errors.Is(err, storage.ErrReplayDetected) {
		t.Errorf("MarkUsed() replay error = %v, want ErrReplayDetected", err)
	}

	// Expired entries may be reused
	_ = store.MarkUsed(ctx, "jti-2", time.Now().Add(-time.Second))
	if err := store.MarkUsed(ctx, "jti-2", time.Now().Add(time.Minute)); err != nil {
		t.Errorf("MarkUsed() after expiry error = %v", err)
	}
}

func TestStore_MarkUsed_Concurrent(t *testing.T) {
	store := New()
	defer store.Stop()
	ctx := context.Background()

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if store.MarkUsed(ctx, "jti", time.Now().Add(time.Minute)) == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := wins.Load(); got != 1 {
		t.Errorf("successful MarkUsed = %d, want 1", got)
	}
}

// ============================================================
// AccessTokenStore Tests
// ============================================================

func TestStore_AccessTokens(t *testing.T) {
	store := New()
	defer store.Stop()
	ctx := context.Background()

	tok := &storage.AccessToken{
		ID:               storage.NewID(time.Now()),
		TokenHash:        "hash-1",
		RefreshTokenHash: "refresh-1",
		ClientID:         "client-1",
		Scopes:           []string{"api.read"},
		TokenType:        "DPoP",
		JKT:              "thumb",
		ExpiresAt:        time.Now().Add(time.Hour),
	}
	if err := store.SaveAccessToken(ctx, tok); err != nil {
		t.Fatalf("SaveAccessToken() error = %v", err)
	}

	got, err := store.GetAccessTokenByHash(ctx, "hash-1")
	if err != nil {
		t.Fatalf("GetAccessTokenByHash() error = %v", err)
	}
	if got.JKT != "thumb" {
		t.Errorf("JKT = %q", got.JKT)
	}

	byRefresh, err := store.GetAccessTokenByRefreshHash(ctx, "refresh-1")
	if err != nil || byRefresh.ID != tok.ID {
		t.Errorf("GetAccessTokenByRefreshHash() = %v, %v", byRefresh, err)
	}

	if err := store.RevokeAccessToken(ctx, tok.ID); err != nil {
		t.Fatalf("RevokeAccessToken() error = %v", err)
	}
	got, _ = store.GetAccessTokenByHash(ctx, "hash-1")
	if got.Active(time.Now()) {
		t.Error("revoked token reported active")
	}

	if _, err := store.GetAccessTokenByHash(ctx, "missing"); !errors.Is(err, storage.ErrTokenNotFound) {
		t.Errorf("GetAccessTokenByHash(missing) error = %v", err)
	}
}

func TestStore_Cleanup(t *testing.T) {
	store := New()
	defer store.Stop()
	ctx := context.Background()

	_ = store.MarkUsed(ctx, "old-jti", time.Now().Add(-time.Second))
	_ = store.MarkUsed(ctx, "new-jti", time.Now().Add(time.Minute))
	_ = store.SaveAccessToken(ctx, &storage.AccessToken{
		ID: "expired", TokenHash: "h-expired", ExpiresAt: time.Now().Add(-time.Hour),
	})

	store.cleanup(time.Now())

	store.mu.RLock()
	defer store.mu.RUnlock()
	if _, ok := store.replay["old-jti"]; ok {
		t.Error("expired replay entry not cleaned")
	}
	if _, ok := store.replay["new-jti"]; !ok {
		t.Error("live replay entry removed")
	}
	if _, ok := store.tokensByHash["h-expired"]; ok {
		t.Error("expired token not cleaned")
	}
}

// ============================================================
// Catalog Tests
// ============================================================

func TestStore_Catalogs(t *testing.T) {
	store := New()
	defer store.Stop()
	ctx := context.Background()

	client := testutil.NewTestClient("client-1")
	if err := store.SaveClient(ctx, client); err != nil {
		t.Fatalf("SaveClient() error = %v", err)
	}
	if _, err := store.GetClient(ctx, "client-1"); err != nil {
		t.Errorf("GetClient() error = %v", err)
	}
	if _, err := store.GetClient(ctx, "missing"); !errors.Is(err, storage.ErrClientNotFound) {
		t.Errorf("GetClient(missing) error = %v", err)
	}

	for _, name := range []string{"b.scope", "a.scope"} {
		_ = store.SaveScope(ctx, &storage.Scope{Name: name})
	}
	scopes, _ := store.ListScopes(ctx)
	if len(scopes) != 2 || scopes[0].Name != "a.scope" {
		t.Errorf("ListScopes() = %v", scopes)
	}

	user := testutil.NewTestUser("alice")
	user.DeviceCodes = []string{"WDJB-MJHT"}
	_ = store.SaveUser(ctx, user)

	lookups := []struct {
		name string
		find func() (*storage.User, error)
	}{
		{"email", func() (*storage.User, error) { return store.FindUserByEmail(ctx, "ALICE@example.com") }},
		{"phone", func() (*storage.User, error) { return store.FindUserByPhone(ctx, "+15550100") }},
		{"username", func() (*storage.User, error) { return store.FindUserByUsername(ctx, "Alice") }},
		{"device code", func() (*storage.User, error) { return store.FindUserByDeviceCode(ctx, "WDJB-MJHT") }},
		{"id", func() (*storage.User, error) { return store.GetUser(ctx, "alice") }},
	}
	for _, l := range lookups {
		t.Run(l.name, func(t *testing.T) {
			u, err := l.find()
			if err != nil || u.ID != "alice" {
				t.Errorf("lookup = %v, %v", u, err)
			}
		})
	}

	if _, err := store.FindUserByEmail(ctx, "nobody@example.com"); !errors.Is(err, storage.ErrUserNotFound) {
		t.Errorf("FindUserByEmail(missing) error = %v", err)
	}
}

func TestStore_Instrumentation(t *testing.T) {
	store := New()
	defer store.Stop()
	ctx := context.Background()

	inst, err := instrumentation.New(instrumentation.Config{Enabled: true})
	if err != nil {
		t.Fatalf("instrumentation.New() error = %v", err)
	}
	store.SetInstrumentation(inst)

	for i := 0; i < 3; i++ {
		_ = store.SavePushedRequest(ctx, newPushedRequest(fmt.Sprintf("uri-%d", i), "client-1", time.Minute))
	}
	if got := store.pushedCountAtomic.Load(); got != 3 {
		t.Errorf("pushed count = %d, want 3", got)
	}
}
