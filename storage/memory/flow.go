package memory

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/giantswarm/oauth-ext/internal/util"
	"github.com/giantswarm/oauth-ext/storage"
)

// ============================================================
// PushedRequestStore Implementation
// ============================================================

// SavePushedRequest stores a new pushed request, encrypting sensitive parameters
func (s *Store) SavePushedRequest(ctx context.Context, req *storage.PushedRequest) (err error) {
	ctx, span := s.startStorageSpan(ctx, "save_pushed_request")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "save_pushed_request", err, startTime) }()

	if req == nil || req.RequestURI == "" {
		return fmt.Errorf("invalid pushed request")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.pushedRequests[req.RequestURI]; exists {
		return fmt.Errorf("%w: request_uri", storage.ErrAlreadyExists)
	}

	stored := *req
	stored.Params, err = storage.EncryptPushedParams(req.Params, s.encryptor)
	if err != nil {
		return err
	}
	s.pushedRequests[req.RequestURI] = &stored
	s.pushedCountAtomic.Store(int64(len(s.pushedRequests)))
	return nil
}

// GetPushedRequest retrieves an unused, unexpired pushed request
func (s *Store) GetPushedRequest(ctx context.Context, requestURI string) (*storage.PushedRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	req, ok := s.pushedRequests[requestURI]
	if !ok || req.Used || !time.Now().Before(req.ExpiresAt) {
		return nil, storage.ErrPushedRequestNotFound
	}
	return s.openPushedRequest(req)
}

// ConsumePushedRequest atomically marks a pushed request as used.
// Unknown, used, expired and foreign requests are indistinguishable to the caller.
// A request presented by the wrong client is left untouched.
func (s *Store) ConsumePushedRequest(ctx context.Context, requestURI, clientID string) (req *storage.PushedRequest, err error) {
	ctx, span := s.startStorageSpan(ctx, "consume_pushed_request")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "consume_pushed_request", err, startTime) }()

	s.mu.Lock() // MUST use write lock for atomic check-and-set
	defer s.mu.Unlock()

	stored, ok := s.pushedRequests[requestURI]
	if !ok || stored.Used || stored.ClientID != clientID || !time.Now().Before(stored.ExpiresAt) {
		return nil, storage.ErrPushedRequestNotFound
	}

	stored.Used = true
	s.logger.Debug("Consumed pushed authorization request",
		"request_id", util.SafeTruncate(stored.ID, idLogLength),
		"client_id", clientID)

	return s.openPushedRequest(stored)
}

// DeleteExpiredPushedRequests removes expired and consumed pushed requests
func (s *Store) DeleteExpiredPushedRequests(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for uri, req := range s.pushedRequests {
		if !now.Before(req.ExpiresAt) {
			delete(s.pushedRequests, uri)
			deleted++
		}
	}
	s.pushedCountAtomic.Store(int64(len(s.pushedRequests)))
	return deleted, nil
}

// openPushedRequest returns a decrypted copy. Must be called with the lock held.
func (s *Store) openPushedRequest(stored *storage.PushedRequest) (*storage.PushedRequest, error) {
	out := *stored
	params, err := storage.DecryptPushedParams(stored.Params, s.encryptor)
	if err != nil {
		return nil, err
	}
	out.Params = params
	return &out, nil
}

// ============================================================
// BackchannelStore Implementation
// ============================================================

// SaveBackchannelRequest stores a new backchannel authentication request
func (s *Store) SaveBackchannelRequest(ctx context.Context, req *storage.BackchannelRequest) (err error) {
	ctx, span := s.startStorageSpan(ctx, "save_backchannel_request")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "save_backchannel_request", err, startTime) }()

	if req == nil || req.AuthReqID == "" {
		return fmt.Errorf("invalid backchannel request")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.backchannelRequests[req.AuthReqID]; exists {
		return fmt.Errorf("%w: auth_req_id", storage.ErrAlreadyExists)
	}
	s.backchannelRequests[req.AuthReqID] = cloneBackchannel(req)
	s.backchannelCountAtomic.Store(int64(len(s.backchannelRequests)))
	return nil
}

// GetBackchannelRequest retrieves a backchannel request by auth_req_id
func (s *Store) GetBackchannelRequest(ctx context.Context, authReqID string) (*storage.BackchannelRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	req, ok := s.backchannelRequests[authReqID]
	if !ok {
		return nil, storage.ErrBackchannelRequestNotFound
	}
	return cloneBackchannel(req), nil
}

// CompleteBackchannelRequest atomically records the user's decision on a pending request
func (s *Store) CompleteBackchannelRequest(ctx context.Context, authReqID, userID string, status storage.BackchannelStatus, completedAt time.Time) (req *storage.BackchannelRequest, err error) {
	ctx, span := s.startStorageSpan(ctx, "complete_backchannel_request")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "complete_backchannel_request", err, startTime) }()

	if status != storage.BackchannelAuthorized && status != storage.BackchannelDenied {
		return nil, fmt.Errorf("invalid completion status %q", status)
	}

	s.mu.Lock() // MUST use write lock for atomic check-and-set
	defer s.mu.Unlock()

	stored, ok := s.backchannelRequests[authReqID]
	if !ok {
		return nil, storage.ErrBackchannelRequestNotFound
	}

	if current := stored.EffectiveStatus(completedAt); current != storage.BackchannelPending {
		out := cloneBackchannel(stored)
		out.Status = current
		return out, storage.ErrBackchannelNotPending
	}

	stored.Status = status
	stored.CompletedAt = completedAt
	if userID != "" {
		stored.UserID = userID
	}
	return cloneBackchannel(stored), nil
}

// RecordBackchannelPoll stores the poll time and returns the request as it was before
func (s *Store) RecordBackchannelPoll(ctx context.Context, authReqID string, polledAt time.Time) (*storage.BackchannelRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.backchannelRequests[authReqID]
	if !ok {
		return nil, storage.ErrBackchannelRequestNotFound
	}
	prev := cloneBackchannel(stored)
	stored.LastPolledAt = polledAt
	return prev, nil
}

// UpdateBackchannelInterval sets the minimum polling interval of a request
func (s *Store) UpdateBackchannelInterval(ctx context.Context, authReqID string, interval time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.backchannelRequests[authReqID]
	if !ok {
		return storage.ErrBackchannelRequestNotFound
	}
	stored.Interval = interval
	return nil
}

// ConsumeBackchannelRequest atomically moves an authorized request to consumed
func (s *Store) ConsumeBackchannelRequest(ctx context.Context, authReqID, clientID string, now time.Time) (req *storage.BackchannelRequest, err error) {
	ctx, span := s.startStorageSpan(ctx, "consume_backchannel_request")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "consume_backchannel_request", err, startTime) }()

	s.mu.Lock() // MUST use write lock for atomic check-and-set
	defer s.mu.Unlock()

	stored, ok := s.backchannelRequests[authReqID]
	if !ok || stored.ClientID != clientID {
		return nil, storage.ErrBackchannelRequestNotFound
	}

	if current := stored.EffectiveStatus(now); current != storage.BackchannelAuthorized {
		out := cloneBackchannel(stored)
		out.Status = current
		return out, storage.ErrBackchannelNotConsumable
	}

	stored.Status = storage.BackchannelConsumed
	s.logger.Debug("Consumed backchannel authentication request",
		"auth_req_id_prefix", util.SafeTruncate(authReqID, idLogLength),
		"client_id", clientID)
	return cloneBackchannel(stored), nil
}

// DeleteExpiredBackchannelRequests removes requests past expiry plus the retention period
func (s *Store) DeleteExpiredBackchannelRequests(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for id, req := range s.backchannelRequests {
		if now.After(req.ExpiresAt.Add(s.backchannelRetention)) {
			delete(s.backchannelRequests, id)
			deleted++
		}
	}
	s.backchannelCountAtomic.Store(int64(len(s.backchannelRequests)))
	return deleted, nil
}

func cloneBackchannel(req *storage.BackchannelRequest) *storage.BackchannelRequest {
	out := *req
	out.Scopes = slices.Clone(req.Scopes)
	out.GrantedScopes = slices.Clone(req.GrantedScopes)
	return &out
}

// ============================================================
// ReplayStore Implementation
// ============================================================

// MarkUsed atomically records a single-use identifier until expiresAt
func (s *Store) MarkUsed(ctx context.Context, id string, expiresAt time.Time) (err error) {
	ctx, span := s.startStorageSpan(ctx, "mark_used")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "mark_used", err, startTime) }()

	s.mu.Lock() // MUST use write lock for atomic check-and-set
	defer s.mu.Unlock()

	if existing, ok := s.replay[id]; ok && time.Now().Before(existing) {
		s.logger.Debug("Replay detected", "id_prefix", util.SafeTruncate(id, idLogLength))
		return storage.ErrReplayDetected
	}
	s.replay[id] = expiresAt
	s.replayCountAtomic.Store(int64(len(s.replay)))
	return nil
}
