package middleware

import (
	"net/http"

	"github.com/go-chi/cors"
)

// CORS builds the fleet CORS handler. A wildcard origin list disables
// credentials; any explicit origin list allows them.
func CORS(origins []string) func(http.Handler) http.Handler {
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	wildcard := false
	for _, origin := range origins {
		if origin == "*" {
			wildcard = true
			break
		}
	}
	return cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions, http.MethodHead},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: !wildcard,
		MaxAge:           300,
	})
}
