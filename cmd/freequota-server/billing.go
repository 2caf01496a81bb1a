package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/mihaimyh/freequota/pkg/billing"
)

const maxBillingBodyBytes = 16 * 1024

// billingRoutes exposes the upgrade flow of a billing.Provider to signed-in users
type billingRoutes struct {
	provider  billing.Provider
	getUserID func(*http.Request) string
	logger    zerolog.Logger
}

type checkoutRequest struct {
	SuccessURL string `json:"successUrl"`
	CancelURL  string `json:"cancelUrl"`
}

type portalRequest struct {
	ReturnURL string `json:"returnUrl"`
}

type urlResponse struct {
	URL string `json:"url"`
}

type statusResponse struct {
	Status string `json:"status"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (b *billingRoutes) Routes() chi.Router {
	r := chi.NewRouter()
	r.Method(http.MethodPost, "/webhook", b.provider.WebhookHandler())
	r.Group(func(r chi.Router) {
		r.Use(b.requireUser)
		r.Post("/checkout", b.checkout)
		r.Post("/portal", b.portal)
		r.Post("/cancel", b.cancel)
		r.Post("/sync", b.sync)
	})
	return r
}

type userKey struct{}

func withUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userKey{}, userID)
}

func userFrom(ctx context.Context) string {
	userID, _ := ctx.Value(userKey{}).(string)
	return userID
}

func (b *billingRoutes) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := b.getUserID(r)
		if userID == "" {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "sign in required"})
			return
		}
		next.ServeHTTP(w, r.WithContext(withUser(r.Context(), userID)))
	})
}

func (b *billingRoutes) checkout(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.SuccessURL == "" || req.CancelURL == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "successUrl and cancelUrl are required"})
		return
	}

	url, err := b.provider.CheckoutURL(r.Context(), userFrom(r.Context()), req.SuccessURL, req.CancelURL)
	if err != nil {
		b.fail(w, r, "checkout", err)
		return
	}
	writeJSON(w, http.StatusOK, urlResponse{URL: url})
}

func (b *billingRoutes) portal(w http.ResponseWriter, r *http.Request) {
	var req portalRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ReturnURL == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "returnUrl is required"})
		return
	}

	url, err := b.provider.PortalURL(r.Context(), userFrom(r.Context()), req.ReturnURL)
	if err != nil {
		b.fail(w, r, "portal", err)
		return
	}
	writeJSON(w, http.StatusOK, urlResponse{URL: url})
}

func (b *billingRoutes) cancel(w http.ResponseWriter, r *http.Request) {
	if err := b.provider.CancelSubscription(r.Context(), userFrom(r.Context())); err != nil {
		b.fail(w, r, "cancel", err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "cancel_at_period_end"})
}

func (b *billingRoutes) sync(w http.ResponseWriter, r *http.Request) {
	status, err := b.provider.SyncUser(r.Context(), userFrom(r.Context()))
	if err != nil {
		b.fail(w, r, "sync", err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: string(status)})
}

func (b *billingRoutes) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case errors.Is(err, billing.ErrNoSubscription), errors.Is(err, billing.ErrCustomerNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
	case errors.Is(err, billing.ErrPriceNotConfigured), errors.Is(err, billing.ErrProviderNotConfigured):
		writeJSON(w, http.StatusNotImplemented, errorResponse{Error: "billing is not configured"})
	default:
		b.logger.Error().Err(err).Str("operation", op).Str("path", r.URL.Path).Msg("billing request failed")
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: "billing provider error"})
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBillingBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed request body"})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
