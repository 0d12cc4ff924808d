package v1

import (
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter builds the operational API served on the UNIX socket.
func NewRouter(h *Handler) chi.Router {
	r := chi.NewRouter()

	r.Route("/v1", func(r chi.Router) {
		r.Route("/system", func(r chi.Router) {
			r.Get("/logs", h.GetLogs)
			r.Get("/log-level", h.GetLogLevel)
			r.Put("/log-level", h.PutLogLevel)
			r.Route("/config", func(r chi.Router) {
				r.Post("/save", h.SaveConfig)
				r.Post("/reload", h.ReloadConfig)
			})
		})
		r.Route("/op", func(r chi.Router) {
			r.Post("/restart/{service}", h.Restart)
			r.Get("/show/{what}", h.Show)
			r.Get("/show/wireguard/{iface}", h.ShowWireguard)
		})
		r.Post("/commit", h.Commit)
	})
	r.Handle("/metrics", promhttp.HandlerFor(h.app.Registry(), promhttp.HandlerOpts{}))
	return r
}

// NewSyncRouter builds the config-sync receiver served over TLS.
func NewSyncRouter(h *Handler) chi.Router {
	r := chi.NewRouter()
	r.With(h.RateLimit, h.BearerAuth).Post("/configure-section", h.ConfigureSection)
	return r
}
