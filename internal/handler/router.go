package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"envelope-key-service/config"
	"envelope-key-service/internal/middleware"
)

// NewRouter はルーターを生成する。
func NewRouter(h *VaultHandler, cfg *config.Config) http.Handler {
	r := chi.NewRouter()

	// ミドルウェア
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.RequestLogger)

	// ルート定義
	r.Route("/v1", func(r chi.Router) {
		r.Route("/keys", func(r chi.Router) {
			r.Post("/", h.CreateKey)
			r.Get("/", h.ListKeys)
			r.Route("/{key_id}", func(r chi.Router) {
				r.Post("/rotate", h.RotateKey)
				r.Post("/encrypt", h.Encrypt)
				r.Post("/versions/{version}/retire", h.RetireKey)
			})
		})
		r.Post("/decrypt", h.Decrypt)
		r.Get("/audit", h.QueryAudit)
	})

	if cfg != nil && cfg.OtelEnabled {
		return otelhttp.NewHandler(r, "envelope-key-service")
	}
	return r
}
