package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"chatrelay/internal/domain"
	"chatrelay/internal/router"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

func (s *Server) handleListProviders(rw http.ResponseWriter, r *http.Request) {
	list, err := s.providers.ListConfigs(r.Context())
	if err != nil {
		s.adminError(rw, "list providers", err)
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{"providers": list})
}

func (s *Server) handleGetProvider(rw http.ResponseWriter, r *http.Request) {
	st, err := s.providers.GetConfig(r.Context(), r.PathValue("platform"))
	if err != nil {
		s.adminError(rw, "get provider", err)
		return
	}
	writeJSON(rw, http.StatusOK, st)
}

func (s *Server) handlePutProvider(rw http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, s.maxBody))
	if err != nil {
		writeError(rw, http.StatusBadRequest, "failed to read body")
		return
	}
	var cfg domain.ProviderConfig
	if err := json.Unmarshal(body, &cfg); err != nil {
		writeError(rw, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	cfg.Platform = r.PathValue("platform")
	if cfg.MaxRetryCount < 0 || cfg.MessageInterval < 0 {
		writeError(rw, http.StatusBadRequest, "maxRetryCount and messageInterval must not be negative")
		return
	}
	st, err := s.providers.SaveConfig(r.Context(), cfg)
	s.writeStatus(rw, "save provider", st, err)
}

func (s *Server) handleDeleteProvider(rw http.ResponseWriter, r *http.Request) {
	if err := s.providers.DeleteConfig(r.Context(), r.PathValue("platform")); err != nil {
		s.adminError(rw, "delete provider", err)
		return
	}
	rw.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleProviderAction(rw http.ResponseWriter, r *http.Request) {
	platform := r.PathValue("platform")
	var (
		st  router.ProviderStatus
		err error
	)
	switch action := r.PathValue("action"); action {
	case "enable":
		st, err = s.providers.Enable(r.Context(), platform)
	case "disable":
		st, err = s.providers.Disable(r.Context(), platform)
	case "reload":
		st, err = s.providers.Reload(r.Context(), platform)
	default:
		writeError(rw, http.StatusNotFound, "unknown action "+action)
		return
	}
	s.writeStatus(rw, "provider "+r.PathValue("action"), st, err)
}

// writeStatus answers a config change. A provider that was stored but
// failed to start is reported with 422 alongside its status.
func (s *Server) writeStatus(rw http.ResponseWriter, op string, st router.ProviderStatus, err error) {
	if err == nil {
		writeJSON(rw, http.StatusOK, st)
		return
	}
	if st.Platform == "" || statusFor(err) != http.StatusInternalServerError {
		s.adminError(rw, op, err)
		return
	}
	s.logger.Warn(op+" applied with errors", "platform", st.Platform, "err", err)
	writeJSON(rw, http.StatusUnprocessableEntity, map[string]any{
		"error":    err.Error(),
		"provider": st,
	})
}

func (s *Server) handleQueueStatus(rw http.ResponseWriter, r *http.Request) {
	st, err := s.queue.Status(r.Context())
	if err != nil {
		s.adminError(rw, "queue status", err)
		return
	}
	writeJSON(rw, http.StatusOK, st)
}

func (s *Server) handleListDeadLetters(rw http.ResponseWriter, r *http.Request) {
	skip, err := queryInt(r, "skip", 0)
	if err != nil || skip < 0 {
		writeError(rw, http.StatusBadRequest, "invalid skip")
		return
	}
	take, err := queryInt(r, "take", defaultPageSize)
	if err != nil || take <= 0 {
		writeError(rw, http.StatusBadRequest, "invalid take")
		return
	}
	take = min(take, maxPageSize)

	items, err := s.queue.DeadLetters(r.Context(), skip, take)
	if err != nil {
		s.adminError(rw, "list dead letters", err)
		return
	}
	total, err := s.queue.DeadLetterCount(r.Context())
	if err != nil {
		s.adminError(rw, "count dead letters", err)
		return
	}
	if items == nil {
		items = []domain.QueuedMessage{}
	}
	writeJSON(rw, http.StatusOK, map[string]any{
		"items": items,
		"total": total,
		"skip":  skip,
		"take":  take,
	})
}

func (s *Server) handleGetDeadLetter(rw http.ResponseWriter, r *http.Request) {
	item, err := s.queue.DeadLetter(r.Context(), r.PathValue("id"))
	if err != nil {
		s.adminError(rw, "get dead letter", err)
		return
	}
	writeJSON(rw, http.StatusOK, item)
}

func (s *Server) handleReprocessDeadLetter(rw http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.queue.ReprocessDeadLetter(r.Context(), id); err != nil {
		s.adminError(rw, "reprocess dead letter", err)
		return
	}
	writeJSON(rw, http.StatusOK, map[string]string{"status": "requeued", "id": id})
}

func (s *Server) handleDeleteDeadLetter(rw http.ResponseWriter, r *http.Request) {
	if err := s.queue.DeleteDeadLetter(r.Context(), r.PathValue("id")); err != nil {
		s.adminError(rw, "delete dead letter", err)
		return
	}
	rw.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClearDeadLetters(rw http.ResponseWriter, r *http.Request) {
	n, err := s.queue.ClearDeadLetters(r.Context())
	if err != nil {
		s.adminError(rw, "clear dead letters", err)
		return
	}
	writeJSON(rw, http.StatusOK, map[string]int{"deleted": n})
}

func (s *Server) adminError(rw http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error(op+" failed", "err", err)
		writeError(rw, status, op+" failed")
		return
	}
	writeError(rw, status, err.Error())
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}
