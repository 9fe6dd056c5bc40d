package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/giantswarm/oauth-ext/internal/util"
	"github.com/giantswarm/oauth-ext/storage"
)

// ============================================================
// PushedRequestStore Implementation
// ============================================================

// SavePushedRequest stores a pushed request with a TTL matching its expiry.
// Sensitive parameters are encrypted when an encryptor is configured.
func (s *Store) SavePushedRequest(ctx context.Context, req *storage.PushedRequest) (err error) {
	ctx, span := s.startStorageSpan(ctx, "save_pushed_request")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "save_pushed_request", err, startTime) }()

	if req == nil || req.RequestURI == "" {
		return fmt.Errorf("invalid pushed request")
	}
	if err := validateStringLength(req.RequestURI, MaxIDLength, "request_uri"); err != nil {
		return err
	}

	ttl := calculateTTL(req.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("pushed request already expired")
	}

	stored := *req
	stored.Params, err = storage.EncryptPushedParams(req.Params, s.getEncryptor())
	if err != nil {
		return err
	}

	data, err := json.Marshal(toPushedRequestJSON(&stored))
	if err != nil {
		return fmt.Errorf("failed to marshal pushed request: %w", err)
	}
	if len(data) > MaxRecordSize {
		return errInputTooLarge
	}

	ok, err := s.setIfAbsent(ctx, s.pushedKey(req.RequestURI), string(data), ttl)
	if err != nil {
		return fmt.Errorf("failed to save pushed request: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: request_uri", storage.ErrAlreadyExists)
	}
	return nil
}

// GetPushedRequest retrieves an unused, unexpired pushed request without consuming it
func (s *Store) GetPushedRequest(ctx context.Context, requestURI string) (*storage.PushedRequest, error) {
	j, err := getAndUnmarshal[pushedRequestJSON](ctx, s, s.pushedKey(requestURI), storage.ErrPushedRequestNotFound)
	if err != nil {
		return nil, err
	}
	req := fromPushedRequestJSON(j)
	if req.Used || !time.Now().Before(req.ExpiresAt) {
		return nil, storage.ErrPushedRequestNotFound
	}
	return s.openPushedRequest(req)
}

// ConsumePushedRequest atomically marks a pushed request as used.
//
// SECURITY: This operation is atomic via Lua script - only ONE concurrent request can succeed.
func (s *Store) ConsumePushedRequest(ctx context.Context, requestURI, clientID string) (req *storage.PushedRequest, err error) {
	ctx, span := s.startStorageSpan(ctx, "consume_pushed_request")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "consume_pushed_request", err, startTime) }()

	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaConsumePushedRequest).
			Numkeys(1).
			Key(s.pushedKey(requestURI)).
			Arg(strconv.FormatInt(time.Now().UnixMilli(), 10), clientID).
			Build(),
	).ToString()
	if err != nil {
		return nil, fmt.Errorf("failed to execute atomic pushed request consume: %w", err)
	}
	if result == resultNotFound {
		return nil, storage.ErrPushedRequestNotFound
	}

	var j pushedRequestJSON
	if err := json.Unmarshal([]byte(result), &j); err != nil {
		return nil, fmt.Errorf("failed to parse pushed request: %w", err)
	}
	req = fromPushedRequestJSON(&j)
	req.Used = true

	s.logger.Debug("Consumed pushed authorization request",
		"request_id", util.SafeTruncate(req.ID, idLogLength),
		"client_id", clientID)

	return s.openPushedRequest(req)
}

// DeleteExpiredPushedRequests is a no-op: pushed request keys carry a TTL
func (s *Store) DeleteExpiredPushedRequests(_ context.Context, _ time.Time) (int, error) {
	return 0, nil
}

func (s *Store) openPushedRequest(req *storage.PushedRequest) (*storage.PushedRequest, error) {
	params, err := storage.DecryptPushedParams(req.Params, s.getEncryptor())
	if err != nil {
		return nil, err
	}
	req.Params = params
	return req, nil
}

// ============================================================
// BackchannelStore Implementation
// ============================================================

// SaveBackchannelRequest stores a new request. The key outlives the request's
// expiry by the retention period so late polls can still be answered.
func (s *Store) SaveBackchannelRequest(ctx context.Context, req *storage.BackchannelRequest) (err error) {
	ctx, span := s.startStorageSpan(ctx, "save_backchannel_request")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "save_backchannel_request", err, startTime) }()

	if req == nil || req.AuthReqID == "" {
		return fmt.Errorf("invalid backchannel request")
	}
	if err := validateStringLength(req.AuthReqID, MaxIDLength, "auth_req_id"); err != nil {
		return err
	}

	ttl := calculateTTL(req.ExpiresAt.Add(s.backchannelRetention))
	if ttl <= 0 {
		return fmt.Errorf("backchannel request already expired")
	}

	data, err := json.Marshal(toBackchannelJSON(req))
	if err != nil {
		return fmt.Errorf("failed to marshal backchannel request: %w", err)
	}
	if len(data) > MaxRecordSize {
		return errInputTooLarge
	}

	ok, err := s.setIfAbsent(ctx, s.backchannelKey(req.AuthReqID), string(data), ttl)
	if err != nil {
		return fmt.Errorf("failed to save backchannel request: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: auth_req_id", storage.ErrAlreadyExists)
	}
	return nil
}

// GetBackchannelRequest retrieves a backchannel request by auth_req_id
func (s *Store) GetBackchannelRequest(ctx context.Context, authReqID string) (*storage.BackchannelRequest, error) {
	j, err := getAndUnmarshal[backchannelJSON](ctx, s, s.backchannelKey(authReqID), storage.ErrBackchannelRequestNotFound)
	if err != nil {
		return nil, err
	}
	return fromBackchannelJSON(j), nil
}

// CompleteBackchannelRequest atomically records the user's decision on a pending request.
//
// SECURITY: This operation is atomic via Lua script - only ONE concurrent request can succeed.
func (s *Store) CompleteBackchannelRequest(ctx context.Context, authReqID, userID string, status storage.BackchannelStatus, completedAt time.Time) (req *storage.BackchannelRequest, err error) {
	ctx, span := s.startStorageSpan(ctx, "complete_backchannel_request")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "complete_backchannel_request", err, startTime) }()

	if status != storage.BackchannelAuthorized && status != storage.BackchannelDenied {
		return nil, fmt.Errorf("invalid completion status %q", status)
	}

	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaCompleteBackchannel).
			Numkeys(1).
			Key(s.backchannelKey(authReqID)).
			Arg(strconv.FormatInt(completedAt.UnixMilli(), 10), string(status), userID).
			Build(),
	).ToString()
	if err != nil {
		return nil, fmt.Errorf("failed to execute atomic backchannel completion: %w", err)
	}

	switch {
	case result == resultNotFound:
		return nil, storage.ErrBackchannelRequestNotFound
	case strings.HasPrefix(result, resultNotPending):
		current, err := decodeBackchannel(strings.TrimPrefix(result, resultNotPending))
		if err != nil {
			return nil, err
		}
		current.Status = current.EffectiveStatus(completedAt)
		return current, storage.ErrBackchannelNotPending
	}
	return decodeBackchannel(result)
}

// RecordBackchannelPoll stores the poll time and returns the request as it was before
func (s *Store) RecordBackchannelPoll(ctx context.Context, authReqID string, polledAt time.Time) (*storage.BackchannelRequest, error) {
	result, err := s.setBackchannelField(ctx, authReqID, "last_polled_at", polledAt.UnixMilli())
	if err != nil {
		return nil, err
	}
	return decodeBackchannel(result)
}

// UpdateBackchannelInterval sets the minimum polling interval of a request
func (s *Store) UpdateBackchannelInterval(ctx context.Context, authReqID string, interval time.Duration) error {
	_, err := s.setBackchannelField(ctx, authReqID, "interval", interval.Milliseconds())
	return err
}

func (s *Store) setBackchannelField(ctx context.Context, authReqID, field string, value int64) (string, error) {
	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaSetBackchannelField).
			Numkeys(1).
			Key(s.backchannelKey(authReqID)).
			Arg(field, strconv.FormatInt(value, 10)).
			Build(),
	).ToString()
	if err != nil {
		return "", fmt.Errorf("failed to update backchannel %s: %w", field, err)
	}
	if result == resultNotFound {
		return "", storage.ErrBackchannelRequestNotFound
	}
	return result, nil
}

// ConsumeBackchannelRequest atomically moves an authorized request to consumed.
//
// SECURITY: This operation is atomic via Lua script - a request yields tokens once.
func (s *Store) ConsumeBackchannelRequest(ctx context.Context, authReqID, clientID string, now time.Time) (req *storage.BackchannelRequest, err error) {
	ctx, span := s.startStorageSpan(ctx, "consume_backchannel_request")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "consume_backchannel_request", err, startTime) }()

	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaConsumeBackchannel).
			Numkeys(1).
			Key(s.backchannelKey(authReqID)).
			Arg(clientID).
			Build(),
	).ToString()
	if err != nil {
		return nil, fmt.Errorf("failed to execute atomic backchannel consume: %w", err)
	}

	switch {
	case result == resultNotFound:
		return nil, storage.ErrBackchannelRequestNotFound
	case strings.HasPrefix(result, resultNotConsumable):
		current, err := decodeBackchannel(strings.TrimPrefix(result, resultNotConsumable))
		if err != nil {
			return nil, err
		}
		current.Status = current.EffectiveStatus(now)
		return current, storage.ErrBackchannelNotConsumable
	}

	s.logger.Debug("Consumed backchannel authentication request",
		"auth_req_id_prefix", util.SafeTruncate(authReqID, idLogLength),
		"client_id", clientID)
	return decodeBackchannel(result)
}

// DeleteExpiredBackchannelRequests is a no-op: backchannel keys carry a TTL
// covering expiry plus the retention period
func (s *Store) DeleteExpiredBackchannelRequests(_ context.Context, _ time.Time) (int, error) {
	return 0, nil
}

// ============================================================
// ReplayStore Implementation
// ============================================================

// MarkUsed atomically records a single-use identifier until expiresAt.
//
// SECURITY: This operation is atomic via Lua script - only ONE concurrent request can succeed.
func (s *Store) MarkUsed(ctx context.Context, id string, expiresAt time.Time) (err error) {
	ctx, span := s.startStorageSpan(ctx, "mark_used")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "mark_used", err, startTime) }()

	if err := validateStringLength(id, MaxIDLength, "id"); err != nil {
		return err
	}

	recorded, err := s.setIfAbsent(ctx, s.replayKey(id), "1", time.Until(expiresAt))
	if err != nil {
		return fmt.Errorf("failed to record single-use identifier: %w", err)
	}
	if !recorded {
		s.logger.Debug("Replay detected", "id_prefix", util.SafeTruncate(id, idLogLength))
		return storage.ErrReplayDetected
	}
	return nil
}
