package controller

import (
	"errors"
	"net/http"
	"sort"
	"strings"

	"github.com/canopy-network/txrelay/pkg/selector"
	"go.uber.org/zap"
)

// EndpointRequest is the body of the admin endpoint routes.
type EndpointRequest struct {
	Chain    string `json:"chain"`
	URL      string `json:"url"`
	Priority *int   `json:"priority,omitempty"`
}

// HandleEndpoints returns the health of every registered endpoint, optionally for one chain.
func (c *Controller) HandleEndpoints(w http.ResponseWriter, r *http.Request) {
	chain := strings.ToLower(r.URL.Query().Get("chain"))
	all := c.App.Selector.Snapshot()

	out := make([]selector.Health, 0, len(all))
	for _, h := range all {
		if chain == "" || h.Chain == chain {
			out = append(out, h)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Chain != out[j].Chain {
			return out[i].Chain < out[j].Chain
		}
		return out[i].Priority < out[j].Priority
	})
	c.writeJSON(w, http.StatusOK, out)
}

func (c *Controller) HandleEndpointAdd(w http.ResponseWriter, r *http.Request) {
	var req EndpointRequest
	if err := decodeBody(w, r, &req); err != nil {
		c.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Chain == "" || req.URL == "" {
		c.writeError(w, http.StatusBadRequest, "chain and url are required")
		return
	}
	priority := 10
	if req.Priority != nil {
		priority = *req.Priority
	}

	ep, err := c.App.Selector.Add(r.Context(), req.Chain, req.URL, priority)
	if err != nil {
		c.endpointError(w, err)
		return
	}
	c.writeJSON(w, http.StatusCreated, EndpointRequest{Chain: ep.Chain, URL: ep.URL, Priority: &priority})
}

// HandleEndpointPriority changes the priority of a registered endpoint.
func (c *Controller) HandleEndpointPriority(w http.ResponseWriter, r *http.Request) {
	var req EndpointRequest
	if err := decodeBody(w, r, &req); err != nil {
		c.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Priority == nil {
		c.writeError(w, http.StatusBadRequest, "priority is required")
		return
	}
	if err := c.App.Selector.SetPriority(r.Context(), req.Chain, req.URL, *req.Priority); err != nil {
		c.endpointError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleEndpointRemove deactivates an endpoint given by the chain and url query parameters.
func (c *Controller) HandleEndpointRemove(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if err := c.App.Selector.Remove(r.Context(), q.Get("chain"), q.Get("url")); err != nil {
		c.endpointError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (c *Controller) endpointError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, selector.ErrUnknownChain):
		c.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, selector.ErrUnknownEndpoint):
		c.writeError(w, http.StatusNotFound, err.Error())
	default:
		c.App.Logger.Error("Endpoint update failed", zap.Error(err))
		c.writeError(w, http.StatusInternalServerError, err.Error())
	}
}
