package server

import (
	"errors"
	"io"
	"net/http"
	"time"

	"chatrelay/internal/bus"
	"chatrelay/internal/domain"
)

// statusRecorder remembers the response code for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusRecorder) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

// handleWebhook validates, parses and publishes one platform callback. The
// message is routed asynchronously; the platform gets its answer as soon as
// the message is on the bus.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	platform := r.PathValue("platform")
	rw := &statusRecorder{ResponseWriter: w}
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("webhook handler panic", "platform", platform, "panic", rec)
			if rw.status == 0 {
				writeError(rw, http.StatusInternalServerError, "internal error")
			}
		}
		s.metrics.WebhookRequest(platform, rw.status)
	}()

	prov, _, err := s.providers.Lookup(platform)
	if err != nil {
		s.rejectLookup(rw, platform, err)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(rw, r.Body, s.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(rw, http.StatusRequestEntityTooLarge, "Payload too large")
			return
		}
		writeError(rw, http.StatusBadRequest, "Failed to read body")
		return
	}

	req := &domain.WebhookRequest{
		Method:  r.Method,
		Headers: r.Header,
		Query:   r.URL.Query(),
		Body:    body,
	}
	res := prov.ValidateWebhook(r.Context(), req)
	if !res.IsValid {
		s.reject(rw, platform, res.ErrorMessage)
		return
	}
	if res.ChallengeResponse != nil {
		writeJSON(rw, http.StatusOK, res.ChallengeResponse)
		return
	}
	if res.Challenge != "" {
		writeJSON(rw, http.StatusOK, map[string]string{"challenge": res.Challenge})
		return
	}

	msg, err := prov.ParseMessage(r.Context(), body)
	if err != nil {
		s.logger.Warn("webhook payload rejected", "platform", platform, "err", err)
		writeError(rw, http.StatusBadRequest, "Invalid payload")
		return
	}
	if msg == nil {
		writeJSON(rw, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if msg.Platform == "" {
		msg.Platform = platform
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	if !s.bus.Publish(*msg) {
		writeError(rw, http.StatusServiceUnavailable, "Busy, retry later")
		return
	}
	s.logger.Debug("webhook message accepted", "platform", platform, "message_id", msg.MessageID, "sender", msg.SenderID)

	if ack, ok := prov.(domain.WebhookAcknowledger); ok {
		writeJSON(rw, http.StatusOK, ack.WebhookAck(msg))
		return
	}
	writeJSON(rw, http.StatusOK, map[string]string{"status": "ok", "messageId": msg.MessageID})
}

// handleWebhookVerify answers GET registration handshakes with the bare
// challenge.
func (s *Server) handleWebhookVerify(w http.ResponseWriter, r *http.Request) {
	platform := r.PathValue("platform")
	rw := &statusRecorder{ResponseWriter: w}
	defer func() { s.metrics.WebhookRequest(platform, rw.status) }()

	prov, _, err := s.providers.Lookup(platform)
	if err != nil {
		s.rejectLookup(rw, platform, err)
		return
	}
	res := prov.ValidateWebhook(r.Context(), &domain.WebhookRequest{
		Method:  r.Method,
		Headers: r.Header,
		Query:   r.URL.Query(),
	})
	switch {
	case !res.IsValid:
		s.reject(rw, platform, res.ErrorMessage)
	case res.Challenge != "":
		rw.Header().Set("Content-Type", "text/plain; charset=utf-8")
		rw.WriteHeader(http.StatusOK)
		io.WriteString(rw, res.Challenge)
	case res.ChallengeResponse != nil:
		writeJSON(rw, http.StatusOK, res.ChallengeResponse)
	default:
		s.reject(rw, platform, "No challenge")
	}
}

func (s *Server) rejectLookup(rw http.ResponseWriter, platform string, err error) {
	switch {
	case errors.Is(err, domain.ErrProviderDisabled):
		writeError(rw, http.StatusBadRequest, "Provider disabled")
	case errors.Is(err, domain.ErrUnknownPlatform):
		writeError(rw, http.StatusNotFound, "Unknown platform")
	default:
		s.logger.Error("provider lookup failed", "platform", platform, "err", err)
		writeError(rw, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) reject(rw http.ResponseWriter, platform, reason string) {
	if reason == "" {
		reason = "Invalid request"
	}
	s.logger.Warn("webhook rejected", "platform", platform, "reason", reason)
	s.events.Emit(bus.Event{Type: bus.EventWebhookRejected, Platform: platform,
		Payload: map[string]any{"reason": reason}})
	writeError(rw, http.StatusBadRequest, reason)
}
