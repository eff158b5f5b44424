package controller

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/canopy-network/txrelay/app/relayer/types"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type Controller struct {
	App        *types.App
	AdminToken string
}

// NewController returns a new controller.
func NewController(app *types.App) *Controller {
	return &Controller{
		App:        app,
		AdminToken: app.AdminToken,
	}
}

// WithCORS is a middleware that adds CORS headers to the response.
func WithCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
		} else {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		}
		w.Header().Set("Vary", "Origin")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", http.MethodGet+", "+http.MethodPost+", "+http.MethodPatch+", "+http.MethodDelete+", "+http.MethodOptions)

		// Fast-path the preflight
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// NewRouter returns a new router with all the routes defined in this package.
func (c *Controller) NewRouter() (*mux.Router, error) {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", c.HandleHealth).Methods(http.MethodGet)
	r.HandleFunc("/readyz", c.HandleReady).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()

	api.HandleFunc("/transactions", c.HandleSubmit).Methods(http.MethodPost)
	api.HandleFunc("/transactions/{id}", c.HandleTransaction).Methods(http.MethodGet)
	api.HandleFunc("/transactions/{id}/replace", c.HandleReplace).Methods(http.MethodPost)

	api.HandleFunc("/nonces/{chain}/{address}", c.HandleNextNonce).Methods(http.MethodGet)
	api.Handle("/nonces/{chain}/{address}/reconcile", c.RequireAdmin(http.HandlerFunc(c.HandleReconcile))).Methods(http.MethodPost)

	api.HandleFunc("/endpoints", c.HandleEndpoints).Methods(http.MethodGet)
	api.Handle("/endpoints", c.RequireAdmin(http.HandlerFunc(c.HandleEndpointAdd))).Methods(http.MethodPost)
	api.Handle("/endpoints", c.RequireAdmin(http.HandlerFunc(c.HandleEndpointPriority))).Methods(http.MethodPatch)
	api.Handle("/endpoints", c.RequireAdmin(http.HandlerFunc(c.HandleEndpointRemove))).Methods(http.MethodDelete)

	api.HandleFunc("/ws", c.HandleWebSocket).Methods(http.MethodGet)

	return r, nil
}

// ValidateToken checks if the Authorization header carries the admin token.
// An unset token disables the admin routes entirely.
func (c *Controller) ValidateToken(r *http.Request) bool {
	if c.AdminToken == "" {
		return false
	}
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	return ok && token == c.AdminToken
}

// RequireAdmin middleware
func (c *Controller) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !c.ValidateToken(r) {
			c.writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (c *Controller) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		c.App.Logger.Debug("Failed to write response", zap.Error(err))
	}
}

func (c *Controller) writeError(w http.ResponseWriter, status int, msg string) {
	c.writeJSON(w, status, map[string]string{"error": msg})
}

// decodeBody reads a JSON request body into v, rejecting unknown fields.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
