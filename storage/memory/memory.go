package memory

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oauth-ext/instrumentation"
	"github.com/giantswarm/oauth-ext/security"
	"github.com/giantswarm/oauth-ext/storage"
)

const (
	// idLogLength is the number of characters of request ids and jtis included in logs
	idLogLength = 8

	// DefaultBackchannelRetention keeps finished or expired backchannel requests
	// around after their expiry so late polls get expired_token instead of invalid_grant.
	DefaultBackchannelRetention = 10 * time.Minute
)

// Store is an in-memory implementation of all storage interfaces.
type Store struct {
	mu sync.RWMutex

	// Flow state
	pushedRequests      map[string]*storage.PushedRequest     // request_uri -> request (params encrypted)
	backchannelRequests map[string]*storage.BackchannelRequest // auth_req_id -> request
	replay              map[string]time.Time                   // jti -> expiry

	// Issued tokens
	accessTokens    map[string]*storage.AccessToken // id -> token
	tokensByHash    map[string]string               // token hash -> id
	tokensByRefresh map[string]string               // refresh hash -> id

	// Catalogs owned by the host server
	clients map[string]*storage.Client
	scopes  map[string]*storage.Scope
	users   map[string]*storage.User

	// Security
	encryptor *security.Encryptor

	// Instrumentation
	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	// Atomic counters for metrics (lock-free access during metric collection)
	pushedCountAtomic      atomic.Int64
	backchannelCountAtomic atomic.Int64
	replayCountAtomic      atomic.Int64
	tokensCountAtomic      atomic.Int64

	// Cleanup
	backchannelRetention time.Duration
	cleanupInterval      time.Duration
	stopCleanup          chan struct{}
	stopOnce             sync.Once
	logger               *slog.Logger
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

// New creates a new in-memory store with the default cleanup interval (1 minute)
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates a new in-memory store with a custom cleanup interval.
// The background loop prunes expired replay entries and access tokens; pushed and
// backchannel requests are swept through DeleteExpired* by the server sweeper.
// If cleanupInterval is 0 or negative, uses the default of 1 minute.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &Store{
		pushedRequests:       make(map[string]*storage.PushedRequest),
		backchannelRequests:  make(map[string]*storage.BackchannelRequest),
		replay:               make(map[string]time.Time),
		accessTokens:         make(map[string]*storage.AccessToken),
		tokensByHash:         make(map[string]string),
		tokensByRefresh:      make(map[string]string),
		clients:              make(map[string]*storage.Client),
		scopes:               make(map[string]*storage.Scope),
		users:                make(map[string]*storage.User),
		backchannelRetention: DefaultBackchannelRetention,
		cleanupInterval:      cleanupInterval,
		stopCleanup:          make(chan struct{}),
		logger:               slog.Default(),
	}

	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// SetEncryptor sets the encryptor used for sensitive pushed request parameters
func (s *Store) SetEncryptor(enc *security.Encryptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.encryptor = enc
	if enc.IsEnabled() {
		s.logger.Info("Encryption at rest enabled for pushed authorization requests")
	}
}

// SetBackchannelRetention sets how long backchannel requests are kept after expiry
func (s *Store) SetBackchannelRetention(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backchannelRetention = d
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}
	s.pushedCountAtomic.Store(int64(len(s.pushedRequests)))
	s.backchannelCountAtomic.Store(int64(len(s.backchannelRequests)))
	s.replayCountAtomic.Store(int64(len(s.replay)))
	s.tokensCountAtomic.Store(int64(len(s.accessTokens)))
	s.mu.Unlock()

	if inst != nil {
		err := inst.RegisterStorageSizeCallbacks(
			s.pushedCountAtomic.Load,
			s.backchannelCountAtomic.Load,
			s.replayCountAtomic.Load,
			s.tokensCountAtomic.Load,
		)
		if err != nil {
			s.logger.Warn("Failed to register storage size callbacks", "error", err)
		}
	}
}

// Stop gracefully stops the cleanup goroutine
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
}

// ============================================================
// Cleanup
// ============================================================

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanup(time.Now())
		}
	}
}

func (s *Store) cleanup(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cleaned := 0

	for jti, expiresAt := range s.replay {
		if !now.Before(expiresAt) {
			delete(s.replay, jti)
			cleaned++
		}
	}
	s.replayCountAtomic.Store(int64(len(s.replay)))

	for id, tok := range s.accessTokens {
		if security.IsExpiredAt(tok.ExpiresAt, now, security.DefaultClockSkewGracePeriod) {
			delete(s.tokensByHash, tok.TokenHash)
			if tok.RefreshTokenHash != "" {
				delete(s.tokensByRefresh, tok.RefreshTokenHash)
			}
			delete(s.accessTokens, id)
			cleaned++
		}
	}
	s.tokensCountAtomic.Store(int64(len(s.accessTokens)))

	if cleaned > 0 {
		s.logger.Debug("Cleaned up expired entries", "count", cleaned)
	}
}

// ============================================================
// Instrumentation Helpers
// ============================================================

// startStorageSpan starts a new span for a storage operation
func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}

	ctx, span := s.tracer.Start(ctx, "storage."+operation)
	instrumentation.AddStorageAttributes(span, operation, "memory")
	return ctx, span
}

// recordStorageOperation records metrics for a storage operation and sets span status.
// Expected outcomes (not found, replay, state conflicts) count as "rejected", not "error".
func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, err error, startTime time.Time) {
	if s.instrumentation == nil {
		return
	}

	result := "success"
	switch {
	case err == nil:
		instrumentation.SetSpanSuccess(span)
	case storage.IsNotFound(err), isConflict(err):
		result = "rejected"
		instrumentation.SetSpanSuccess(span)
	default:
		result = "error"
		instrumentation.RecordError(span, err)
	}

	s.instrumentation.Metrics().RecordStorageOperation(ctx, operation, result, float64(time.Since(startTime).Microseconds())/1000)
}

func isConflict(err error) bool {
	return errors.Is(err, storage.ErrReplayDetected) ||
		errors.Is(err, storage.ErrBackchannelNotPending) ||
		errors.Is(err, storage.ErrBackchannelNotConsumable)
}
