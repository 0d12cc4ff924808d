package v1

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"vycore/internal/failure"
	"vycore/models"
)

// RateLimit rejects requests beyond the receiver's budget.
func (h *Handler) RateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if l := h.app.Limiter(); l != nil && !l.Allow() {
			WriteError(w, http.StatusTooManyRequests, "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// BearerAuth accepts any of the configured keys.
func (h *Handler) BearerAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || !h.validKey(key) {
			writeSync(w, http.StatusUnauthorized, "Valid API key is required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) validKey(key string) bool {
	if key == "" {
		return false
	}
	for _, k := range h.app.Settings().API.Keys {
		if subtle.ConstantTimeCompare([]byte(k), []byte(key)) == 1 {
			return true
		}
	}
	return false
}

func writeSync(w http.ResponseWriter, code int, msg string) {
	WriteJson(w, code, models.ConfigureSectionResponse{Success: false, Error: msg})
}

// ConfigureSection applies a section pushed by the primary router.
func (h *Handler) ConfigureSection(w http.ResponseWriter, r *http.Request) {
	req, err := ReadJson[models.ConfigureSectionRequest](r)
	if err != nil {
		writeSync(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := models.Validate(req); err != nil {
		writeSync(w, http.StatusBadRequest, err.Error())
		return
	}
	if !h.validKey(req.Key) {
		writeSync(w, http.StatusUnauthorized, "Valid API key is required")
		return
	}
	res, err := h.app.ConfigureSection(r.Context(), req)
	if err != nil {
		log.Error().Str("component", "config-sync").Str("op", req.Op).Err(err).Msg("configure-section failed")
		writeSync(w, statusOf(failure.KindOf(err)), err.Error())
		return
	}
	log.Info().Str("component", "config-sync").Str("op", req.Op).Int("handlers", len(res.Jobs)).Msg("configure-section applied")
	WriteJson(w, http.StatusOK, models.ConfigureSectionResponse{Success: true, Data: commitRes(res)})
}
