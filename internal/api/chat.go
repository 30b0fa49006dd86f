package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ashureev/showroom/internal/chat"
	"github.com/ashureev/showroom/internal/domain"
	"github.com/ashureev/showroom/internal/identity"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	sse "github.com/tmaxmax/go-sse"
)

// ChatRequest is the body of both chat endpoints.
type ChatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"`
}

// ChatResponse is the non-streaming chat reply.
type ChatResponse struct {
	Response  string   `json:"response"`
	SessionID string   `json:"session_id"`
	Sources   []string `json:"sources"`
}

// TurnView is one transcript entry in a history response.
type TurnView struct {
	Role       string    `json:"role"`
	Content    string    `json:"content"`
	Annotation string    `json:"annotation,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// HistoryResponse is the transcript of a session.
type HistoryResponse struct {
	SessionID string     `json:"session_id"`
	RunState  string     `json:"run_state"`
	History   []TurnView `json:"history"`
}

// ChatHandler serves the chat and session endpoints.
type ChatHandler struct {
	svc         *chat.Service
	maxBodySize int64
	logger      *slog.Logger
}

// NewChatHandler creates a chat handler.
func NewChatHandler(svc *chat.Service, maxBodySize int64, logger *slog.Logger) *ChatHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChatHandler{svc: svc, maxBodySize: maxBodySize, logger: logger}
}

// RegisterRoutes registers the rate-limited chat routes.
func (h *ChatHandler) RegisterRoutes(r chi.Router) {
	r.Post("/chat", h.Chat)
	r.Post("/chat/stream", h.ChatStream)
}

// RegisterSessionRoutes registers the session history and delete routes.
func (h *ChatHandler) RegisterSessionRoutes(r chi.Router) {
	r.Get("/session/{id}/history", h.History)
	r.Delete("/session/{id}", h.Delete)
}

// readChat decodes and validates a chat request. The body's session id wins
// over the one sent in the header or query string.
func (h *ChatHandler) readChat(w http.ResponseWriter, r *http.Request) (ChatRequest, bool) {
	var req ChatRequest
	if err := decodeJSON(w, r, h.maxBodySize, &req); err != nil {
		writeDecodeError(w, err)
		return req, false
	}
	msg, err := cleanMessage(req.Message)
	if err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return req, false
	}
	req.Message = msg
	if req.SessionID = identity.SanitizeSessionID(req.SessionID); req.SessionID == "" {
		req.SessionID = identity.SessionIDFromContext(r.Context())
	}
	return req, true
}

// begin admits a turn, writing the error response when it cannot.
func (h *ChatHandler) begin(w http.ResponseWriter, r *http.Request, sessionID string) (*chat.Turn, bool) {
	turn, err := h.svc.Begin(r.Context(), sessionID)
	if errors.Is(err, domain.ErrBusy) {
		JSON(w, http.StatusConflict, map[string]string{
			"error":      "a response is already in progress for this session",
			"code":       "busy",
			"session_id": sessionID,
		})
		return nil, false
	}
	if err != nil {
		h.logger.Error("Failed to start chat turn", "session_id", sessionID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to start conversation")
		return nil, false
	}
	return turn, true
}

// Chat handles POST /chat and replies once the run has finished.
func (h *ChatHandler) Chat(w http.ResponseWriter, r *http.Request) {
	req, ok := h.readChat(w, r)
	if !ok {
		return
	}
	turn, ok := h.begin(w, r, req.SessionID)
	if !ok {
		return
	}
	defer turn.Release()

	h.logger.Info("Chat request",
		"session_id", turn.SessionID(),
		"request_id", chiMiddleware.GetReqID(r.Context()),
		"message_length", len(req.Message),
	)

	res := turn.Run(r.Context(), req.Message, chat.DiscardSink{})
	if res.State == domain.RunCompleted {
		sources := res.Sources
		if sources == nil {
			sources = []string{}
		}
		JSON(w, http.StatusOK, ChatResponse{Response: res.Text, SessionID: res.SessionID, Sources: sources})
		return
	}

	JSON(w, runErrorStatus(res), map[string]string{
		"error":      chat.ClientMessage(res.Err),
		"code":       chat.ErrorCode(res.Err),
		"session_id": res.SessionID,
		"partial":    res.Text,
	})
}

func runErrorStatus(res chat.Result) int {
	switch {
	case errors.Is(res.Err, domain.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(res.Err, domain.ErrSessionDeleted):
		return http.StatusGone
	case res.State == domain.RunCancelled:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

// sseSink writes stream events as server-sent events. Pings become comments.
type sseSink struct {
	sess *sse.Session
}

func (s sseSink) Send(_ context.Context, ev chat.StreamEvent) error {
	msg := &sse.Message{}
	if ev.Kind == chat.EventPing {
		msg.AppendComment("ping")
	} else {
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		msg.ID = sse.ID(strconv.FormatInt(ev.Seq, 10))
		msg.Type = sse.Type(string(ev.Kind))
		msg.AppendData(string(data))
	}
	if err := s.sess.Send(msg); err != nil {
		return err
	}
	return s.sess.Flush()
}

// ChatStream handles POST /chat/stream. A busy session is rejected with 409
// before the stream is opened.
func (h *ChatHandler) ChatStream(w http.ResponseWriter, r *http.Request) {
	req, ok := h.readChat(w, r)
	if !ok {
		return
	}
	turn, ok := h.begin(w, r, req.SessionID)
	if !ok {
		return
	}
	defer turn.Release()

	sess, err := sse.Upgrade(w, r)
	if err != nil {
		Error(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	h.logger.Info("Chat stream opened",
		"session_id", turn.SessionID(),
		"request_id", chiMiddleware.GetReqID(r.Context()),
		"message_length", len(req.Message),
	)
	res := turn.Run(r.Context(), req.Message, sseSink{sess: sess})
	h.logger.Info("Chat stream closed", "session_id", res.SessionID, "state", res.State)
}

// History handles GET /session/{id}/history.
func (h *ChatHandler) History(w http.ResponseWriter, r *http.Request) {
	id := identity.SanitizeSessionID(chi.URLParam(r, "id"))
	if id == "" {
		Error(w, http.StatusNotFound, "session not found")
		return
	}
	sess, err := h.svc.History(r.Context(), id)
	if errors.Is(err, domain.ErrNotFound) {
		Error(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		h.logger.Error("Failed to load session history", "session_id", id, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load history")
		return
	}

	resp := HistoryResponse{SessionID: sess.ID, RunState: string(sess.RunState), History: make([]TurnView, 0, len(sess.History))}
	for _, t := range sess.History {
		resp.History = append(resp.History, TurnView{
			Role:       string(t.Role),
			Content:    t.Content,
			Annotation: t.Annotation,
			CreatedAt:  t.CreatedAt,
		})
	}
	JSON(w, http.StatusOK, resp)
}

// Delete handles DELETE /session/{id}. Deleting an unknown session succeeds.
func (h *ChatHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := identity.SanitizeSessionID(chi.URLParam(r, "id"))
	if id != "" {
		if err := h.svc.Delete(r.Context(), id); err != nil {
			h.logger.Error("Failed to delete session", "session_id", id, "error", err)
			Error(w, http.StatusInternalServerError, "failed to delete session")
			return
		}
	}
	JSON(w, http.StatusOK, map[string]string{"status": "deleted", "session_id": id})
}
