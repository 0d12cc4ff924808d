package v1

import (
	"bytes"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"vycore/commit"
	"vycore/configtree"
	"vycore/internal/app"
	"vycore/internal/failure"
	"vycore/pkg/vycore-api/types"
)

type Handler struct {
	app *app.App
}

func NewHandler(a *app.App) *Handler {
	return &Handler{app: a}
}

func (h *Handler) GetLogs(w http.ResponseWriter, r *http.Request) {
	level := r.URL.Query().Get("level")
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			WriteError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	entries := h.app.LogBuffer().GetFiltered(level, limit)
	res := types.LogsRes{Logs: make([]types.LogEntryRes, len(entries))}
	for i, e := range entries {
		res.Logs[i] = types.LogEntryRes{
			Time:      e.Time,
			Level:     e.Level,
			Component: e.Component,
			Message:   e.Message,
			Error:     e.Error,
		}
	}
	WriteJson(w, http.StatusOK, res)
}

func (h *Handler) GetLogLevel(w http.ResponseWriter, r *http.Request) {
	WriteJson(w, http.StatusOK, types.LogLevelRes{Level: h.app.GetLogLevel()})
}

func (h *Handler) PutLogLevel(w http.ResponseWriter, r *http.Request) {
	req, err := ReadJson[types.LogLevelReq](r)
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !h.app.SetLogLevel(req.Level) {
		WriteError(w, http.StatusBadRequest, "invalid log level")
		return
	}
	log.Info().Str("level", req.Level).Msg("log level changed")
	WriteJson(w, http.StatusOK, types.LogLevelRes{Level: h.app.GetLogLevel()})
}

func (h *Handler) SaveConfig(w http.ResponseWriter, r *http.Request) {
	if err := h.app.SaveConfig(); err != nil {
		WriteError(w, http.StatusInternalServerError, "failed to save config: "+err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ReloadConfig(w http.ResponseWriter, r *http.Request) {
	if err := h.app.Reload(); err != nil {
		WriteError(w, http.StatusInternalServerError, "failed to reload config: "+err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) Restart(w http.ResponseWriter, r *http.Request) {
	service := chi.URLParam(r, "service")
	if err := h.app.Ops().Restart(r.Context(), service, r.URL.Query().Get("vrf")); err != nil {
		WriteFailure(w, err)
		return
	}
	log.Info().Str("service", service).Msg("service restarted through the API")
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) Show(w http.ResponseWriter, r *http.Request) {
	ops := h.app.Ops()
	var buf bytes.Buffer
	var err error
	switch chi.URLParam(r, "what") {
	case "interfaces":
		err = ops.ShowInterfaces(&buf)
	case "version":
		err = ops.ShowVersion(&buf)
	case "wlb":
		err = ops.ShowWLBStatus(&buf)
	case "vrrp":
		err = ops.ShowVRRP(r.Context(), &buf)
	case "techsupport":
		err = ops.WriteTechSupport(r.Context(), &buf, r.URL.Query().Get("raw") == "true")
	default:
		WriteError(w, http.StatusNotFound, "unknown show command")
		return
	}
	writeText(w, buf.Bytes(), err)
}

func (h *Handler) ShowWireguard(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	err := h.app.Ops().ShowWireguard(&buf, chi.URLParam(r, "iface"))
	writeText(w, buf.Bytes(), err)
}

func writeText(w http.ResponseWriter, out []byte, err error) {
	if err != nil {
		WriteFailure(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write(out)
}

// Commit takes a full configuration in config.boot syntax as the candidate.
func (h *Handler) Commit(w http.ResponseWriter, r *http.Request) {
	candidate, err := configtree.Parse(r.Body)
	if err != nil {
		WriteFailure(w, failure.Config(nil, "%s", err.Error()))
		return
	}
	res, err := h.app.Commit(r.Context(), candidate)
	if err != nil {
		WriteFailure(w, err)
		return
	}
	WriteJson(w, http.StatusOK, commitRes(res))
}

func commitRes(res commit.Result) types.CommitRes {
	out := types.CommitRes{Revision: res.Revision, Changes: []string{}, Jobs: []string{}}
	for _, c := range res.Changes {
		out.Changes = append(out.Changes, c.String())
	}
	for _, j := range res.Jobs {
		out.Jobs = append(out.Jobs, j.String())
	}
	return out
}
