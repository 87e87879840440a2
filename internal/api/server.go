package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/shehryarbajwa/slotcamper/internal/ratelimit"
)

// SetupRoutes configures all HTTP routes
func (h *Handler) SetupRoutes(rateLimiter *ratelimit.Limiter, requestsPerHour int) *mux.Router {
	r := mux.NewRouter()
	r.Use(LoggingMiddleware(h.logger))

	user := r.PathPrefix("/v1/users/{id}").Subrouter()

	// Event stream (not rate limited, long lived)
	user.HandleFunc("/events", h.Events).Methods("GET")

	limited := user.PathPrefix("").Subrouter()
	limited.Use(RateLimitMiddleware(rateLimiter, requestsPerHour))

	limited.HandleFunc("/session", h.LoadSession).Methods("POST")
	limited.HandleFunc("/session", h.CloseSession).Methods("DELETE")
	limited.HandleFunc("/auth/refresh", h.RefreshAuth).Methods("POST")
	limited.HandleFunc("/config", h.GetConfig).Methods("GET")
	limited.HandleFunc("/config", h.PutConfig).Methods("PUT")

	limited.HandleFunc("/check", h.Check).Methods("POST")
	limited.HandleFunc("/slots", h.ListSlots).Methods("GET")
	limited.HandleFunc("/schedule", h.Schedule).Methods("GET")

	limited.HandleFunc("/book", h.Book).Methods("POST")
	limited.HandleFunc("/captcha", h.AnswerCaptcha).Methods("POST")
	limited.HandleFunc("/bookings/{bookingId}/cancel", h.CancelBooking).Methods("POST")

	limited.HandleFunc("/camp", h.StartCamp).Methods("POST")
	limited.HandleFunc("/camp", h.GetCamp).Methods("GET")
	limited.HandleFunc("/camp", h.StopCamp).Methods("DELETE")

	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods("GET")

	// CORS middleware
	r.Use(corsMiddleware)

	return r
}

// corsMiddleware adds CORS headers
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
