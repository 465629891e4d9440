package routes

import (
	"net/http"

	"github.com/go-chi/chi"

	"cardbridge/internal/hub/handlers"
	"cardbridge/internal/hub/ws"
)

// SetRoutes wires the websocket endpoint plus the dashboard's static
// assets and the card image files.
func SetRoutes(r *chi.Mux, ws *ws.Ws, staticDir, imageDir string) {
	h := handlers.NewHandler(ws)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/ws", h.HandleWebSocket)
		r.Get("/health", h.HealthHandler)
	})

	r.Handle("/media/*", http.StripPrefix("/media/", http.FileServer(http.Dir(imageDir))))
	r.Handle("/*", http.FileServer(http.Dir(staticDir)))
}
