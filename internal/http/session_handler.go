package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/fjod/go_cart/toycart/internal/auth"
	"github.com/fjod/go_cart/toycart/internal/cartsync"
)

// SignInSource receives session transitions from the storefront.
type SignInSource interface {
	SignIn(ctx context.Context, userID string) (bool, error)
	SignOut(ctx context.Context) (bool, error)
}

type SessionView interface {
	Session() cartsync.Session
}

type SessionHandler struct {
	verifier auth.TokenVerifier
	source   SignInSource
	view     SessionView
	log      *slog.Logger
}

func NewSessionHandler(verifier auth.TokenVerifier, source SignInSource, view SessionView, log *slog.Logger) *SessionHandler {
	return &SessionHandler{verifier: verifier, source: source, view: view, log: log}
}

type SessionResponseDTO struct {
	State  string `json:"state"`
	UserID string `json:"user_id,omitempty"`
}

type SessionChangeDTO struct {
	UserID   string `json:"user_id,omitempty"`
	Accepted bool   `json:"accepted"`
}

func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	s := h.view.Session()
	respondJSON(w, http.StatusOK, SessionResponseDTO{State: s.State.String(), UserID: s.UserID})
}

// SignIn verifies the bearer token and queues a sign-in. Reconciliation runs
// asynchronously; poll GET /session to see it finish.
func (h *SessionHandler) SignIn(w http.ResponseWriter, r *http.Request) {
	token, err := auth.BearerToken(r)
	if err != nil {
		respondError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return
	}
	userID, err := h.verifier.Verify(r.Context(), token)
	if err != nil {
		h.log.WarnContext(r.Context(), "rejected sign-in token", "request_id", RequestIDFromContext(r.Context()), "error", err)
		respondError(w, http.StatusUnauthorized, "invalid_token", "invalid token")
		return
	}

	emitted, err := h.source.SignIn(r.Context(), userID)
	if err != nil {
		h.respondSourceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusAccepted, SessionChangeDTO{UserID: userID, Accepted: emitted})
}

func (h *SessionHandler) SignOut(w http.ResponseWriter, r *http.Request) {
	emitted, err := h.source.SignOut(r.Context())
	if err != nil {
		h.respondSourceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusAccepted, SessionChangeDTO{Accepted: emitted})
}

func (h *SessionHandler) respondSourceError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		respondError(w, http.StatusServiceUnavailable, "busy", "session change could not be queued")
		return
	}
	h.log.ErrorContext(r.Context(), "session change failed", "request_id", RequestIDFromContext(r.Context()), "error", err)
	respondError(w, http.StatusInternalServerError, "internal_error", "internal server error")
}
