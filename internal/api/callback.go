package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/ashureev/showroom/internal/callback"
	"github.com/ashureev/showroom/internal/identity"
	"github.com/go-chi/chi/v5"
)

// CallbackHandler forwards phone callback requests to the voice agent.
type CallbackHandler struct {
	dispatcher  callback.Dispatcher
	maxBodySize int64
	logger      *slog.Logger
}

// NewCallbackHandler creates a callback handler.
func NewCallbackHandler(dispatcher callback.Dispatcher, maxBodySize int64, logger *slog.Logger) *CallbackHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &CallbackHandler{dispatcher: dispatcher, maxBodySize: maxBodySize, logger: logger}
}

// RegisterRoutes registers the callback route.
func (h *CallbackHandler) RegisterRoutes(r chi.Router) {
	r.Post("/callback", h.RequestCall)
}

// RequestCall handles POST /callback.
func (h *CallbackHandler) RequestCall(w http.ResponseWriter, r *http.Request) {
	var req callback.CallRequest
	if err := decodeJSON(w, r, h.maxBodySize, &req); err != nil {
		writeDecodeError(w, err)
		return
	}
	if req.SessionID = identity.SanitizeSessionID(req.SessionID); req.SessionID == "" {
		req.SessionID = identity.SessionIDFromContext(r.Context())
	}

	res, err := h.dispatcher.RequestCall(r.Context(), req)
	switch {
	case errors.Is(err, callback.ErrInvalidPhone):
		Error(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, callback.ErrNotConfigured):
		Error(w, http.StatusServiceUnavailable, "callback is not configured")
		return
	case err != nil:
		h.logger.Error("Callback request failed", "session_id", req.SessionID, "error", err)
		Error(w, http.StatusBadGateway, "failed to schedule callback")
		return
	}

	h.logger.Info("Callback scheduled", "session_id", req.SessionID, "call_id", res.CallID, "status", res.Status)
	JSON(w, http.StatusOK, res)
}
