package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	oauthext "github.com/giantswarm/oauth-ext"
	"github.com/giantswarm/oauth-ext/ciba"
	"github.com/giantswarm/oauth-ext/security"
	"github.com/giantswarm/oauth-ext/storage"
)

// approvals stands in for the authentication device: an operator approves or
// denies pending backchannel requests over a loopback listener.
type approvals struct {
	server *oauthext.Server
	logger *slog.Logger
}

type backchannelStatus struct {
	AuthReqID      string    `json:"auth_req_id"`
	ClientID       string    `json:"client_id"`
	UserID         string    `json:"user_id,omitempty"`
	Scope          string    `json:"scope"`
	BindingMessage string    `json:"binding_message,omitempty"`
	Status         string    `json:"status"`
	ExpiresAt      time.Time `json:"expires_at"`
}

func (a *approvals) register(mux *http.ServeMux) {
	mux.HandleFunc("GET /backchannel/{id}", a.show)
	mux.HandleFunc("POST /backchannel/{id}/approve", a.complete(true))
	mux.HandleFunc("POST /backchannel/{id}/deny", a.complete(false))
	mux.HandleFunc("GET /ratelimits", a.rateLimits)
}

type rateLimitStats struct {
	IP     *security.Stats `json:"ip,omitempty"`
	Client *security.Stats `json:"client,omitempty"`
}

// rateLimits reports the size of the per-IP and per-client limiter tables
func (a *approvals) rateLimits(w http.ResponseWriter, _ *http.Request) {
	var stats rateLimitStats
	if a.server.RateLimiter != nil {
		s := a.server.RateLimiter.GetStats()
		stats.IP = &s
	}
	if a.server.ClientRateLimiter != nil {
		s := a.server.ClientRateLimiter.GetStats()
		stats.Client = &s
	}
	writeJSON(w, http.StatusOK, stats)
}

func (a *approvals) show(w http.ResponseWriter, r *http.Request) {
	req, err := a.server.LookupBackchannelRequest(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, backchannelStatus{
		AuthReqID:      req.AuthReqID,
		ClientID:       req.ClientID,
		UserID:         req.UserID,
		Scope:          strings.Join(req.Scopes, " "),
		BindingMessage: req.BindingMessage,
		Status:         string(req.EffectiveStatus(time.Now())),
		ExpiresAt:      req.ExpiresAt,
	})
}

func (a *approvals) complete(approved bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		userID := r.FormValue("user_id")

		if err := a.server.CompleteBackchannelAuthentication(r.Context(), id, userID, approved); err != nil {
			a.writeError(w, err)
			return
		}

		a.logger.Info("Backchannel request completed", "approved", approved, "user_id", userID)
		w.WriteHeader(http.StatusNoContent)
	}
}

func (a *approvals) writeError(w http.ResponseWriter, err error) {
	switch {
	case storage.IsNotFound(err), errors.Is(err, ciba.ErrRequestNotFound):
		http.Error(w, "backchannel request not found", http.StatusNotFound)
	case errors.Is(err, ciba.ErrNotPending), errors.Is(err, ciba.ErrUserMismatch):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		a.logger.Error("Backchannel approval failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
