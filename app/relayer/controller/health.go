package controller

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"
)

func (c *Controller) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	c.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleReady fails while the store or Redis does not answer.
func (c *Controller) HandleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if err := c.App.Ready(ctx); err != nil {
		c.App.Logger.Warn("Readiness check failed", zap.Error(err))
		c.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "errored", "error": err.Error()})
		return
	}
	c.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
