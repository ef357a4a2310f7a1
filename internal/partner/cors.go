package partner

import (
	"net/http"

	"github.com/rs/cors"
)

// CORS allows browser-based partner dashboards to call /api/partners from
// any origin.
func CORS() func(http.Handler) http.Handler {
	return cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization", "X-API-Key"},
		ExposedHeaders: []string{
			"X-RateLimit-Limit-Minute", "X-RateLimit-Remaining-Minute",
			"X-RateLimit-Limit-Hour", "X-RateLimit-Remaining-Hour",
		},
	}).Handler
}
