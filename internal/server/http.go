package server

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"

	"github.com/mydia/relay/internal/domain"
	"github.com/mydia/relay/internal/netutil"
)

const maxHTTPBodyBytes = 64 * 1024

type registerRequest struct {
	InstanceID   string   `json:"instance_id"`
	PublicKeyB64 string   `json:"public_key"`
	DirectURLs   []string `json:"direct_urls,omitempty"`
}

type instanceResponse struct {
	InstanceID   string   `json:"instance_id"`
	Online       bool     `json:"online"`
	PublicKeyB64 string   `json:"public_key"`
	DirectURLs   []string `json:"direct_urls,omitempty"`
}

type redeemResponse struct {
	ClaimID string `json:"claim_id"`
	UserID  string `json:"user_id,omitempty"`
	instanceResponse
}

type errorResponse struct {
	Error      string `json:"error"`
	Message    string `json:"message,omitempty"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

func (s *Server) handleRegisterInstance(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, "register") {
		registrationsTotal.WithLabelValues("rate_limited").Inc()
		return
	}

	var req registerRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxHTTPBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "request body is not valid JSON")
		return
	}
	key, err := base64.StdEncoding.DecodeString(req.PublicKeyB64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_public_key", "public key is not valid base64")
		return
	}

	inst, err := s.svc.RegisterInstanceRecord(r.Context(), req.InstanceID, key, req.DirectURLs, netutil.ClientIP(r, s.cfg.TrustProxy))
	if err != nil {
		registrationsTotal.WithLabelValues("error").Inc()
		if errors.Is(err, domain.ErrInvalidPublicKey) {
			writeError(w, http.StatusBadRequest, "invalid_public_key", domain.ErrInvalidPublicKey.Error())
			return
		}
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	registrationsTotal.WithLabelValues("ok").Inc()
	writeJSON(w, http.StatusOK, instanceResponse{
		InstanceID:   inst.ID,
		Online:       inst.Online,
		PublicKeyB64: base64.StdEncoding.EncodeToString(inst.PublicKey),
		DirectURLs:   inst.DirectURLs,
	})
}

func (s *Server) handleRedeemClaim(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, "claim") {
		claimsTotal.WithLabelValues("redeem", "rate_limited").Inc()
		return
	}

	red, err := s.svc.RedeemClaim(r.Context(), r.PathValue("code"))
	if err != nil {
		claimsTotal.WithLabelValues("redeem", "error").Inc()
		writeClaimError(w, err)
		return
	}

	claimsTotal.WithLabelValues("redeem", "ok").Inc()
	writeJSON(w, http.StatusOK, redeemResponse{
		ClaimID: red.ClaimID,
		UserID:  red.UserID,
		instanceResponse: instanceResponse{
			InstanceID:   red.InstanceID,
			Online:       red.Online,
			PublicKeyB64: base64.StdEncoding.EncodeToString(red.PublicKey),
			DirectURLs:   red.DirectURLs,
		},
	})
}

func (s *Server) handleConnectionInfo(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, "connect") {
		return
	}

	info, err := s.svc.ConnectionInfo(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, domain.ErrInstanceNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "unknown instance")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
		return
	}
	writeJSON(w, http.StatusOK, instanceResponse{
		InstanceID:   info.InstanceID,
		Online:       info.Online,
		PublicKeyB64: base64.StdEncoding.EncodeToString(info.PublicKey),
		DirectURLs:   info.DirectURLs,
	})
}

func writeClaimError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrClaimNotFound):
		writeError(w, http.StatusNotFound, "not_found", "unknown claim code")
	case errors.Is(err, domain.ErrClaimConsumed):
		writeError(w, http.StatusConflict, "already_consumed", "claim code was already redeemed")
	case errors.Is(err, domain.ErrClaimExpired):
		writeError(w, http.StatusGone, "expired", "claim code has expired")
	default:
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

func claimErrorMessage(err error) string {
	switch {
	case errors.Is(err, domain.ErrClaimNotFound):
		return "unknown claim code"
	case errors.Is(err, domain.ErrClaimConsumed):
		return "claim code was already redeemed"
	case errors.Is(err, domain.ErrClaimExpired):
		return "claim code has expired"
	default:
		return "claim redemption failed"
	}
}

// allow applies the fixed-window limiter for endpoint, keyed by caller IP.
// A rejected request gets a 429 with a Retry-After hint; the caller should
// not retry before the window rolls over.
func (s *Server) allow(w http.ResponseWriter, r *http.Request, endpoint string) bool {
	key := endpoint + "|" + netutil.ClientIP(r, s.cfg.TrustProxy)
	if s.limiter.Allow(key) {
		return true
	}
	rateLimitedTotal.WithLabelValues(endpoint).Inc()

	retryAfter := int(math.Ceil(s.limiter.RetryAfter(key).Seconds()))
	if retryAfter <= 0 {
		retryAfter = int(s.limiter.Window().Seconds())
	}
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(errorResponse{
		Error:      "rate_limited",
		Message:    "too many requests, slow down",
		RetryAfter: retryAfter,
	})
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: code, Message: message})
}
