package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/ashureev/showroom/internal/chat"
	"github.com/ashureev/showroom/internal/domain"
	"github.com/ashureev/showroom/internal/identity"
	"github.com/ashureev/showroom/internal/speech"
	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
)

const maxAudioSize = 10 << 20

// SynthesizeRequest is the body of the synthesis endpoints.
type SynthesizeRequest struct {
	Text    string `json:"text"`
	VoiceID string `json:"voice_id,omitempty"`
}

// VoiceHandler serves transcription, synthesis, and the voice websocket.
type VoiceHandler struct {
	stt            speech.Transcriber
	tts            speech.Synthesizer
	svc            *chat.Service
	maxBodySize    int64
	originPatterns []string
	logger         *slog.Logger
}

// NewVoiceHandler creates a voice handler. originPatterns lists the hosts,
// besides the request host, allowed to open the voice websocket.
func NewVoiceHandler(stt speech.Transcriber, tts speech.Synthesizer, svc *chat.Service, maxBodySize int64, originPatterns []string, logger *slog.Logger) *VoiceHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &VoiceHandler{
		stt:            stt,
		tts:            tts,
		svc:            svc,
		maxBodySize:    maxBodySize,
		originPatterns: originPatterns,
		logger:         logger,
	}
}

// OriginPatterns converts CORS origins into websocket host patterns.
func OriginPatterns(origins []string) []string {
	patterns := make([]string, 0, len(origins))
	for _, o := range origins {
		if o == "*" {
			return []string{"*"}
		}
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			patterns = append(patterns, u.Host)
		}
	}
	return patterns
}

// RegisterRoutes registers voice routes.
func (h *VoiceHandler) RegisterRoutes(r chi.Router) {
	r.Post("/voice/transcribe", h.Transcribe)
	r.Post("/voice/synthesize", h.Synthesize)
	r.Post("/voice/synthesize/stream", h.SynthesizeStream)
	r.Get("/ws/voice", h.ServeWebSocket)
}

func (h *VoiceHandler) speechError(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, speech.ErrNotConfigured) {
		Error(w, http.StatusServiceUnavailable, "voice is not configured")
		return
	}
	h.logger.Error("Speech provider request failed", "op", op, "error", err)
	Error(w, http.StatusBadGateway, op+" failed")
}

// Transcribe handles POST /voice/transcribe with a multipart "audio" file.
func (h *VoiceHandler) Transcribe(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxAudioSize)
	file, header, err := r.FormFile("audio")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			Error(w, http.StatusRequestEntityTooLarge, "audio too large")
			return
		}
		Error(w, http.StatusBadRequest, "audio file is required")
		return
	}
	defer file.Close()

	audio, err := io.ReadAll(file)
	if err != nil {
		Error(w, http.StatusBadRequest, "failed to read audio")
		return
	}

	transcript, err := h.stt.Transcribe(r.Context(), audio, header.Header.Get("Content-Type"))
	if err != nil {
		h.speechError(w, "transcription", err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"transcript": transcript})
}

func (h *VoiceHandler) readSynthesize(w http.ResponseWriter, r *http.Request) (SynthesizeRequest, bool) {
	var req SynthesizeRequest
	if err := decodeJSON(w, r, h.maxBodySize, &req); err != nil {
		writeDecodeError(w, err)
		return req, false
	}
	req.Text = strings.TrimSpace(req.Text)
	if req.Text == "" {
		Error(w, http.StatusBadRequest, "text is required")
		return req, false
	}
	return req, true
}

// Synthesize handles POST /voice/synthesize.
func (h *VoiceHandler) Synthesize(w http.ResponseWriter, r *http.Request) {
	req, ok := h.readSynthesize(w, r)
	if !ok {
		return
	}
	audio, err := h.tts.Synthesize(r.Context(), req.Text, req.VoiceID)
	if err != nil {
		h.speechError(w, "speech synthesis", err)
		return
	}
	w.Header().Set("Content-Type", "audio/mpeg")
	w.Header().Set("Content-Disposition", "attachment; filename=response.mp3")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(audio); err != nil {
		h.logger.Debug("Failed to write synthesized audio", "error", err)
	}
}

// flushWriter flushes after every write so audio reaches the client as it arrives.
type flushWriter struct {
	w http.ResponseWriter
	f http.Flusher
}

func (fw flushWriter) Write(p []byte) (int, error) {
	n, err := fw.w.Write(p)
	if fw.f != nil {
		fw.f.Flush()
	}
	return n, err
}

// SynthesizeStream handles POST /voice/synthesize/stream.
func (h *VoiceHandler) SynthesizeStream(w http.ResponseWriter, r *http.Request) {
	req, ok := h.readSynthesize(w, r)
	if !ok {
		return
	}
	stream, err := h.tts.SynthesizeStream(r.Context(), req.Text, req.VoiceID)
	if err != nil {
		h.speechError(w, "speech synthesis", err)
		return
	}
	defer stream.Close()

	w.Header().Set("Content-Type", "audio/mpeg")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	if _, err := io.Copy(flushWriter{w: w, f: flusher}, stream); err != nil {
		h.logger.Debug("Synthesis stream ended early", "error", err)
	}
}

// voiceMessage is a websocket frame in either direction.
type voiceMessage struct {
	Type      string `json:"type"`
	Audio     string `json:"audio,omitempty"`
	Text      string `json:"text,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Code      string `json:"code,omitempty"`
	Message   string `json:"message,omitempty"`
}

func writeVoice(ctx context.Context, ws *websocket.Conn, msg voiceMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return ws.Write(ctx, websocket.MessageText, data)
}

// wsSink forwards run deltas to the websocket.
type wsSink struct {
	ws *websocket.Conn
}

func (s wsSink) Send(ctx context.Context, ev chat.StreamEvent) error {
	if ev.Kind != chat.EventDelta {
		return nil
	}
	return writeVoice(ctx, s.ws, voiceMessage{Type: "delta", Text: ev.Text, SessionID: ev.SessionID})
}

// ServeWebSocket handles GET /ws/voice. Each "audio" frame is transcribed,
// answered through the chat session, and the reply is synthesized back.
// All frames on one connection share a session.
func (h *VoiceHandler) ServeWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns,
	})
	if err != nil {
		h.logger.Error("Failed to accept WebSocket", "error", err)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			h.logger.Debug("Failed to close websocket", "error", closeErr)
		}
	}()
	ws.SetReadLimit(maxAudioSize * 4 / 3)

	ctx := r.Context()
	sessionID := identity.SessionIDFromContext(ctx)
	h.logger.Info("Voice session opened", "session_id", sessionID, "ip", identity.IPFromRequest(r))

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				h.logger.Debug("WebSocket closed by client", "session_id", sessionID)
			} else {
				h.logger.Warn("WebSocket read error", "error", err, "session_id", sessionID)
			}
			return
		}

		var msg voiceMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			_ = writeVoice(ctx, ws, voiceMessage{Type: "error", Message: "invalid message"})
			continue
		}

		switch msg.Type {
		case "end":
			return
		case "audio":
			if id := identity.SanitizeSessionID(msg.SessionID); id != "" {
				sessionID = id
			}
			next, err := h.voiceTurn(ctx, ws, sessionID, msg.Audio)
			if err != nil {
				h.logger.Debug("Voice turn aborted", "session_id", sessionID, "error", err)
				return
			}
			sessionID = next
		default:
			_ = writeVoice(ctx, ws, voiceMessage{Type: "error", Message: "unknown message type"})
		}
	}
}

// voiceTurn runs one spoken exchange and returns the session id to use next.
// A returned error means the websocket is unusable.
func (h *VoiceHandler) voiceTurn(ctx context.Context, ws *websocket.Conn, sessionID, audioB64 string) (string, error) {
	audio, err := base64.StdEncoding.DecodeString(audioB64)
	if err != nil {
		return sessionID, writeVoice(ctx, ws, voiceMessage{Type: "error", Message: "invalid audio encoding"})
	}

	transcript, err := h.stt.Transcribe(ctx, audio, "audio/webm")
	if err != nil {
		h.logger.Warn("Voice transcription failed", "session_id", sessionID, "error", err)
		return sessionID, writeVoice(ctx, ws, voiceMessage{Type: "error", Message: "Transcription failed"})
	}
	transcript = strings.TrimSpace(transcript)
	if transcript == "" {
		return sessionID, nil
	}
	if err := writeVoice(ctx, ws, voiceMessage{Type: "transcript", Text: transcript}); err != nil {
		return sessionID, err
	}

	turn, err := h.svc.Begin(ctx, sessionID)
	if errors.Is(err, domain.ErrBusy) {
		return sessionID, writeVoice(ctx, ws, voiceMessage{Type: "error", Code: "busy", Message: "a response is already in progress"})
	}
	if err != nil {
		h.logger.Error("Failed to start voice turn", "session_id", sessionID, "error", err)
		return sessionID, writeVoice(ctx, ws, voiceMessage{Type: "error", Message: "failed to start conversation"})
	}
	defer turn.Release()

	res := turn.Run(ctx, transcript, wsSink{ws: ws})
	if ctx.Err() != nil {
		return res.SessionID, ctx.Err()
	}
	if res.State != domain.RunCompleted {
		return res.SessionID, writeVoice(ctx, ws, voiceMessage{
			Type:      "error",
			SessionID: res.SessionID,
			Code:      chat.ErrorCode(res.Err),
			Message:   chat.ClientMessage(res.Err),
		})
	}
	if err := writeVoice(ctx, ws, voiceMessage{Type: "response", Text: res.Text, SessionID: res.SessionID}); err != nil {
		return res.SessionID, err
	}

	speechAudio, err := h.tts.Synthesize(ctx, res.Text, "")
	if err != nil {
		h.logger.Warn("Voice synthesis failed", "session_id", res.SessionID, "error", err)
		return res.SessionID, nil
	}
	return res.SessionID, writeVoice(ctx, ws, voiceMessage{Type: "audio", Audio: base64.StdEncoding.EncodeToString(speechAudio)})
}
