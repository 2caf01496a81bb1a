package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/mihaimyh/freequota/pkg/freequota"
)

const maxFingerprintLen = 256

// Handler serves the metering endpoints generation callers use
type Handler struct {
	config Config
}

// Routes mounts the usage endpoints on a chi router
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/usage/check", h.Check)
	r.Post("/usage/increment", h.Increment)
	r.Put("/usage/increment", h.Increment)
	return r
}

// Check reports the caller's standing without consuming quota
func (h *Handler) Check(w http.ResponseWriter, r *http.Request) {
	var body CheckRequest
	if err := h.decode(w, r, &body); err != nil {
		h.handleError(w, r, err)
		return
	}

	req, err := h.meteringRequest(r, body)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	decision, err := h.config.Meter.Check(r.Context(), req)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

// Increment records one generation. Exhausted quota is a 200 with allowed=false.
func (h *Handler) Increment(w http.ResponseWriter, r *http.Request) {
	var body IncrementRequest
	if err := h.decode(w, r, &body); err != nil {
		h.handleError(w, r, err)
		return
	}

	req, err := h.meteringRequest(r, body.CheckRequest)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	req.Metadata = generationMetadata(body.Generation)

	decision, err := h.config.Meter.Record(r.Context(), req)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, h.config.MaxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return &badRequestError{err: fmt.Errorf("invalid request body: %w", err)}
	}
	return nil
}

func (h *Handler) meteringRequest(r *http.Request, body CheckRequest) (freequota.Request, error) {
	userID := body.UserID
	if h.config.GetUserID != nil {
		userID = h.config.GetUserID(r)
	}

	fingerprint := strings.TrimSpace(body.FingerprintHash)
	if len(fingerprint) > maxFingerprintLen {
		return freequota.Request{}, fmt.Errorf("%w: fingerprint hash too long", freequota.ErrInvalidIdentity)
	}

	req := freequota.Request{
		UserID:          userID,
		FingerprintHash: fingerprint,
		SessionID:       body.SessionID,
	}
	if h.config.Hasher != nil {
		req.IPHash = h.config.Hasher.FromRequest(r)
	}
	return req, nil
}

// generationMetadata flattens generation details into audit metadata
func generationMetadata(generation map[string]interface{}) map[string]string {
	if len(generation) == 0 {
		return nil
	}
	md := make(map[string]string, len(generation))
	for k, v := range generation {
		switch val := v.(type) {
		case string:
			md[k] = val
		case nil:
		default:
			b, err := json.Marshal(val)
			if err != nil {
				continue
			}
			md[k] = string(b)
		}
	}
	return md
}

type badRequestError struct {
	err error
}

func (e *badRequestError) Error() string { return e.err.Error() }
func (e *badRequestError) Unwrap() error { return e.err }

// handleError maps metering errors onto HTTP status codes
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}

	var badRequest *badRequestError
	switch {
	case errors.As(err, &badRequest), errors.Is(err, freequota.ErrInvalidIdentity):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
	case freequota.IsStoreUnavailable(err):
		w.Header().Set("Retry-After", strconv.Itoa(int(h.config.RetryAfter.Seconds())))
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{
			Error:        "usage store unavailable, retry later",
			Undetermined: true,
		})
	default:
		h.config.Logger.Error("metering request failed",
			freequota.Field{Key: "path", Value: r.URL.Path},
			freequota.Field{Key: "error", Value: err})
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
