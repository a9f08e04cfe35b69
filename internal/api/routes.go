package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes mounts the /api/v1 endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/users", h.CreateUser)
		r.Route("/users/{userID}", func(r chi.Router) {
			r.Get("/", h.GetUser)
			r.Post("/grant", h.Grant)
			r.Get("/transactions", h.History)
			r.Get("/commitments/stats", h.Stats)
		})

		r.Post("/predictions", h.CreatePrediction)
		r.Route("/predictions/{predictionID}", func(r chi.Router) {
			r.Get("/", h.GetPrediction)
			r.Post("/publish", h.Publish)
			r.Post("/resolve", h.Resolve)

			r.Post("/commit", h.Commit)
			r.Patch("/commit", h.UpdateCommit)
			r.Delete("/commit", h.RemoveCommit)
			r.Get("/commit/preview", h.PreviewExit)
		})
	})
}

// CORS allows browser clients on other origins.
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+UserHeader)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
