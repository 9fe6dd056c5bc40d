package valkey

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oauth-ext/instrumentation"
	"github.com/giantswarm/oauth-ext/security"
	"github.com/giantswarm/oauth-ext/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys
	DefaultKeyPrefix = "oauthext:"

	// DefaultBackchannelRetention is how long backchannel requests outlive their
	// expiry so that late polls still observe expired_token
	DefaultBackchannelRetention = 10 * time.Minute

	// idLogLength is the number of characters to include when logging identifiers
	idLogLength = 8

	// scanBatchSize is the number of keys to fetch per SCAN iteration
	scanBatchSize = 100

	// connectionVerifyTimeout is the timeout for initial connection verification
	connectionVerifyTimeout = 5 * time.Second

	// MaxIDLength is the maximum allowed length for identifiers (request_uri, auth_req_id, jti)
	MaxIDLength = 256

	// MaxRecordSize is the maximum size of a serialized record (64KB)
	MaxRecordSize = 64 * 1024
)

var errInputTooLarge = errors.New("input exceeds maximum allowed size")

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address (required), e.g., "localhost:6379"
	Address string

	// Password is the optional password for Valkey authentication
	Password string

	// DB is the optional database number (default 0)
	DB int

	// KeyPrefix is the prefix for all keys (default "oauthext:")
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger

	// BackchannelRetention overrides DefaultBackchannelRetention
	BackchannelRetention time.Duration
}

// Store is a Valkey-backed implementation of every storage interface.
// Expiry is delegated to key TTLs, so the DeleteExpired* sweeps are no-ops.
type Store struct {
	client               valkeygo.Client
	prefix               string
	logger               *slog.Logger
	backchannelRetention time.Duration

	// Access must be synchronized via mu
	encryptor       *security.Encryptor
	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
	mu              sync.RWMutex
}

// Compile-time interface checks to ensure Store implements all storage interfaces
var (
	_ storage.PushedRequestStore = (*Store)(nil)
	_ storage.BackchannelStore   = (*Store)(nil)
	_ storage.ReplayStore        = (*Store)(nil)
	_ storage.AccessTokenStore   = (*Store)(nil)
	_ storage.ClientStore        = (*Store)(nil)
	_ storage.ScopeStore         = (*Store)(nil)
	_ storage.UserStore          = (*Store)(nil)
)

// New creates a new Valkey-backed storage instance.
// Returns an error if the connection cannot be established.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	retention := cfg.BackchannelRetention
	if retention <= 0 {
		retention = DefaultBackchannelRetention
	}

	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.TLS != nil {
		opts.TLSConfig = cfg.TLS
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	logger.Info("Connected to Valkey storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", prefix)

	return &Store{
		client:               client,
		prefix:               prefix,
		logger:               logger,
		backchannelRetention: retention,
	}, nil
}

// Close closes the Valkey client connection.
func (s *Store) Close() {
	s.client.Close()
	s.logger.Info("Valkey storage connection closed")
}

// SetLogger sets a custom logger for the store.
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// SetEncryptor sets the encryptor used for sensitive pushed request parameters.
func (s *Store) SetEncryptor(enc *security.Encryptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.encryptor = enc
	if enc.IsEnabled() {
		s.logger.Info("Encryption at rest enabled for Valkey storage")
	}
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}
}

func (s *Store) getEncryptor() *security.Encryptor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.encryptor
}

// validateStringLength checks if a string exceeds the maximum allowed length
func validateStringLength(value string, maxLen int, fieldName string) error {
	if len(value) > maxLen {
		return fmt.Errorf("%s exceeds maximum length of %d bytes", fieldName, maxLen)
	}
	return nil
}

// ============================================================
// Key Helpers
// ============================================================

// pushedKey returns the key for a pushed request: {prefix}par:{requestURI}
func (s *Store) pushedKey(requestURI string) string {
	return fmt.Sprintf("%spar:%s", s.prefix, requestURI)
}

// backchannelKey returns the key for a backchannel request: {prefix}ciba:{authReqID}
func (s *Store) backchannelKey(authReqID string) string {
	return fmt.Sprintf("%sciba:%s", s.prefix, authReqID)
}

// replayKey returns the key for a single-use identifier: {prefix}jti:{id}
func (s *Store) replayKey(id string) string {
	return fmt.Sprintf("%sjti:%s", s.prefix, id)
}

// tokenKey returns the key for an access token record: {prefix}token:{id}
func (s *Store) tokenKey(id string) string {
	return fmt.Sprintf("%stoken:%s", s.prefix, id)
}

// tokenHashKey returns the lookup key for a token hash: {prefix}token:hash:{hash}
func (s *Store) tokenHashKey(hash string) string {
	return fmt.Sprintf("%stoken:hash:%s", s.prefix, hash)
}

// refreshHashKey returns the lookup key for a refresh token hash: {prefix}token:refresh:{hash}
func (s *Store) refreshHashKey(hash string) string {
	return fmt.Sprintf("%stoken:refresh:%s", s.prefix, hash)
}

// clientKey returns the key for a client: {prefix}client:{clientID}
func (s *Store) clientKey(clientID string) string {
	return fmt.Sprintf("%sclient:%s", s.prefix, clientID)
}

// scopeKey returns the key for a scope: {prefix}scope:{name}
func (s *Store) scopeKey(name string) string {
	return fmt.Sprintf("%sscope:%s", s.prefix, name)
}

// userKey returns the key for a user: {prefix}user:{userID}
func (s *Store) userKey(userID string) string {
	return fmt.Sprintf("%suser:%s", s.prefix, userID)
}

// userIndexKey returns a user lookup key: {prefix}user:{kind}:{value}
func (s *Store) userIndexKey(kind, value string) string {
	return fmt.Sprintf("%suser:%s:%s", s.prefix, kind, value)
}

// ============================================================
// Lua Scripts for Atomic Operations
// ============================================================
//
// Every single-use transition runs as one Lua script so that concurrent callers
// observe exactly one winner. Times are Unix milliseconds. Slices are never part
// of script-edited records because cjson encodes empty arrays as objects.

// luaConsumePushedRequest marks an unused, unexpired pushed request as used.
//
// KEYS[1] = pushed request key
// ARGV[1] = now (ms)
// ARGV[2] = presenting client_id
//
// Returns the JSON before the update, or "NOT_FOUND" for unknown, used,
// expired and foreign requests alike. A foreign client leaves the record untouched.
const luaConsumePushedRequest = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end

local req = cjson.decode(data)
if req.used or req.client_id ~= ARGV[2] or tonumber(ARGV[1]) >= tonumber(req.expires_at) then
    return 'NOT_FOUND'
end

req.used = true
redis.call('SET', KEYS[1], cjson.encode(req), 'KEEPTTL')
return data
`

// luaCompleteBackchannel records a decision on a pending, unexpired request.
//
// KEYS[1] = backchannel key
// ARGV[1] = completion time (ms)
// ARGV[2] = new status
// ARGV[3] = user id (may be empty)
//
// Returns the updated JSON, "NOT_FOUND", or "NOT_PENDING:<json>".
const luaCompleteBackchannel = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end

local req = cjson.decode(data)
local now = tonumber(ARGV[1])
if req.status ~= 'pending' or now >= tonumber(req.expires_at) then
    return 'NOT_PENDING:' .. data
end

req.status = ARGV[2]
req.completed_at = now
if ARGV[3] ~= '' then
    req.user_id = ARGV[3]
end

local out = cjson.encode(req)
redis.call('SET', KEYS[1], out, 'KEEPTTL')
return out
`

// luaConsumeBackchannel moves an authorized request owned by the client to consumed.
//
// KEYS[1] = backchannel key
// ARGV[1] = presenting client_id
//
// Returns the updated JSON, "NOT_FOUND" (unknown or foreign) or "NOT_CONSUMABLE:<json>".
const luaConsumeBackchannel = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end

local req = cjson.decode(data)
if req.client_id ~= ARGV[1] then
    return 'NOT_FOUND'
end
if req.status ~= 'authorized' then
    return 'NOT_CONSUMABLE:' .. data
end

req.status = 'consumed'
local out = cjson.encode(req)
redis.call('SET', KEYS[1], out, 'KEEPTTL')
return out
`

// luaSetBackchannelField sets one numeric field and returns the JSON before the update.
//
// KEYS[1] = backchannel key
// ARGV[1] = field name
// ARGV[2] = value
const luaSetBackchannelField = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end

local req = cjson.decode(data)
req[ARGV[1]] = tonumber(ARGV[2])
redis.call('SET', KEYS[1], cjson.encode(req), 'KEEPTTL')
return data
`

// luaSetIfAbsent stores a value with a TTL unless the key already exists.
// It backs both record creation and single-use identifier tracking.
//
// KEYS[1] = key
// ARGV[1] = value
// ARGV[2] = TTL (ms)
//
// Returns 1 when stored, 0 when the key was already present.
const luaSetIfAbsent = `
if redis.call('EXISTS', KEYS[1]) == 1 then
    return 0
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
return 1
`

const (
	resultNotFound      = "NOT_FOUND"
	resultNotPending    = "NOT_PENDING:"
	resultNotConsumable = "NOT_CONSUMABLE:"
)

// ============================================================
// JSON Serialization Helpers
// ============================================================

// pushedRequestJSON is the stored form of a pushed request
type pushedRequestJSON struct {
	ID         string               `json:"id"`
	RequestURI string               `json:"request_uri"`
	ClientID   string               `json:"client_id"`
	Params     storage.PushedParams `json:"params"`
	CreatedAt  int64                `json:"created_at"`
	ExpiresAt  int64                `json:"expires_at"`
	Used       bool                 `json:"used"`
}

func toPushedRequestJSON(req *storage.PushedRequest) *pushedRequestJSON {
	return &pushedRequestJSON{
		ID:         req.ID,
		RequestURI: req.RequestURI,
		ClientID:   req.ClientID,
		Params:     req.Params,
		CreatedAt:  req.CreatedAt.UnixMilli(),
		ExpiresAt:  req.ExpiresAt.UnixMilli(),
		Used:       req.Used,
	}
}

func fromPushedRequestJSON(j *pushedRequestJSON) *storage.PushedRequest {
	return &storage.PushedRequest{
		ID:         j.ID,
		RequestURI: j.RequestURI,
		ClientID:   j.ClientID,
		Params:     j.Params,
		CreatedAt:  time.UnixMilli(j.CreatedAt),
		ExpiresAt:  time.UnixMilli(j.ExpiresAt),
		Used:       j.Used,
	}
}

// backchannelJSON is the stored form of a backchannel request. Scopes are kept
// space-delimited so the record survives a cjson round trip.
type backchannelJSON struct {
	ID                      string `json:"id"`
	AuthReqID               string `json:"auth_req_id"`
	ClientID                string `json:"client_id"`
	Scope                   string `json:"scope,omitempty"`
	GrantedScope            string `json:"granted_scope,omitempty"`
	BindingMessage          string `json:"binding_message,omitempty"`
	ACRValues               string `json:"acr_values,omitempty"`
	DeliveryMode            string `json:"delivery_mode"`
	ClientNotificationToken string `json:"client_notification_token,omitempty"`
	NotificationEndpoint    string `json:"notification_endpoint,omitempty"`
	IDTokenHint             string `json:"id_token_hint,omitempty"`
	LoginHintToken          string `json:"login_hint_token,omitempty"`
	LoginHint               string `json:"login_hint,omitempty"`
	UserCode                string `json:"user_code,omitempty"`
	UserID                  string `json:"user_id,omitempty"`
	ResolutionMethod        string `json:"resolution_method,omitempty"`
	ResolutionConfidence    string `json:"resolution_confidence,omitempty"`
	RequiresInteraction     bool   `json:"requires_interaction,omitempty"`
	Status                  string `json:"status"`
	Interval                int64  `json:"interval"`
	RequestedExpiry         int64  `json:"requested_expiry,omitempty"`
	LastPolledAt            int64  `json:"last_polled_at,omitempty"`
	CreatedAt               int64  `json:"created_at"`
	ExpiresAt               int64  `json:"expires_at"`
	CompletedAt             int64  `json:"completed_at,omitempty"`
}

func toBackchannelJSON(req *storage.BackchannelRequest) *backchannelJSON {
	return &backchannelJSON{
		ID:                      req.ID,
		AuthReqID:               req.AuthReqID,
		ClientID:                req.ClientID,
		Scope:                   strings.Join(req.Scopes, " "),
		GrantedScope:            strings.Join(req.GrantedScopes, " "),
		BindingMessage:          req.BindingMessage,
		ACRValues:               req.ACRValues,
		DeliveryMode:            string(req.DeliveryMode),
		ClientNotificationToken: req.ClientNotificationToken,
		NotificationEndpoint:    req.NotificationEndpoint,
		IDTokenHint:             req.IDTokenHint,
		LoginHintToken:          req.LoginHintToken,
		LoginHint:               req.LoginHint,
		UserCode:                req.UserCode,
		UserID:                  req.UserID,
		ResolutionMethod:        req.ResolutionMethod,
		ResolutionConfidence:    req.ResolutionConfidence,
		RequiresInteraction:     req.RequiresInteraction,
		Status:                  string(req.Status),
		Interval:                req.Interval.Milliseconds(),
		RequestedExpiry:         req.RequestedExpiry.Milliseconds(),
		LastPolledAt:            unixMilliOrZero(req.LastPolledAt),
		CreatedAt:               req.CreatedAt.UnixMilli(),
		ExpiresAt:               req.ExpiresAt.UnixMilli(),
		CompletedAt:             unixMilliOrZero(req.CompletedAt),
	}
}

func fromBackchannelJSON(j *backchannelJSON) *storage.BackchannelRequest {
	return &storage.BackchannelRequest{
		ID:                      j.ID,
		AuthReqID:               j.AuthReqID,
		ClientID:                j.ClientID,
		Scopes:                  strings.Fields(j.Scope),
		GrantedScopes:           strings.Fields(j.GrantedScope),
		BindingMessage:          j.BindingMessage,
		ACRValues:               j.ACRValues,
		DeliveryMode:            storage.DeliveryMode(j.DeliveryMode),
		ClientNotificationToken: j.ClientNotificationToken,
		NotificationEndpoint:    j.NotificationEndpoint,
		IDTokenHint:             j.IDTokenHint,
		LoginHintToken:          j.LoginHintToken,
		LoginHint:               j.LoginHint,
		UserCode:                j.UserCode,
		UserID:                  j.UserID,
		ResolutionMethod:        j.ResolutionMethod,
		ResolutionConfidence:    j.ResolutionConfidence,
		RequiresInteraction:     j.RequiresInteraction,
		Status:                  storage.BackchannelStatus(j.Status),
		Interval:                time.Duration(j.Interval) * time.Millisecond,
		RequestedExpiry:         time.Duration(j.RequestedExpiry) * time.Millisecond,
		LastPolledAt:            timeFromMilli(j.LastPolledAt),
		CreatedAt:               time.UnixMilli(j.CreatedAt),
		ExpiresAt:               time.UnixMilli(j.ExpiresAt),
		CompletedAt:             timeFromMilli(j.CompletedAt),
	}
}

func decodeBackchannel(data string) (*storage.BackchannelRequest, error) {
	var j backchannelJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal backchannel request: %w", err)
	}
	return fromBackchannelJSON(&j), nil
}

func unixMilliOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func timeFromMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// ============================================================
// Helper methods
// ============================================================

// getAndUnmarshal fetches a key and decodes its JSON value into T.
func getAndUnmarshal[T any](ctx context.Context, s *Store, key string, notFoundErr error) (*T, error) {
	data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, notFoundErr
		}
		return nil, fmt.Errorf("failed to get data: %w", err)
	}

	var v T
	if err := json.Unmarshal([]byte(data), &v); err != nil {
		return nil, fmt.Errorf("failed to unmarshal data: %w", err)
	}
	return &v, nil
}

// setJSON marshals v and stores it under key. A zero ttl stores without expiry.
func (s *Store) setJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	if len(data) > MaxRecordSize {
		return errInputTooLarge
	}

	if ttl > 0 {
		return s.client.Do(ctx, s.client.B().Set().Key(key).Value(string(data)).Ex(ttl).Build()).Error()
	}
	return s.client.Do(ctx, s.client.B().Set().Key(key).Value(string(data)).Build()).Error()
}

// setIfAbsent stores value under key with ttl unless the key exists.
// It reports whether the value was stored.
func (s *Store) setIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if ttl < time.Millisecond {
		ttl = time.Millisecond
	}
	stored, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaSetIfAbsent).
			Numkeys(1).
			Key(key).
			Arg(value, strconv.FormatInt(ttl.Milliseconds(), 10)).
			Build(),
	).AsInt64()
	if err != nil {
		return false, err
	}
	return stored == 1, nil
}

// calculateTTL returns the time left until expiresAt, or 0 if it already passed
func calculateTTL(expiresAt time.Time) time.Duration {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return 0
	}
	return ttl
}

// isNilError reports whether err is the Valkey nil reply
func isNilError(err error) bool {
	return valkeygo.IsValkeyNil(err)
}

// ============================================================
// Instrumentation Helpers
// ============================================================

func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	s.mu.RLock()
	tracer := s.tracer
	s.mu.RUnlock()
	if tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}

	ctx, span := tracer.Start(ctx, "storage."+operation)
	instrumentation.AddStorageAttributes(span, operation, "valkey")
	return ctx, span
}

func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, err error, startTime time.Time) {
	s.mu.RLock()
	inst := s.instrumentation
	s.mu.RUnlock()
	if inst == nil {
		return
	}

	result := "success"
	switch {
	case err == nil:
		instrumentation.SetSpanSuccess(span)
	case storage.IsNotFound(err),
		errors.Is(err, storage.ErrReplayDetected),
		errors.Is(err, storage.ErrBackchannelNotPending),
		errors.Is(err, storage.ErrBackchannelNotConsumable):
		result = "rejected"
		instrumentation.SetSpanSuccess(span)
	default:
		result = "error"
		instrumentation.RecordError(span, err)
	}

	inst.Metrics().RecordStorageOperation(ctx, operation, result, float64(time.Since(startTime).Microseconds())/1000)
}
