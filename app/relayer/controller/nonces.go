package controller

import (
	"errors"
	"net/http"

	"github.com/canopy-network/txrelay/pkg/nonce"
	"github.com/canopy-network/txrelay/pkg/selector"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

type NextNonceResponse struct {
	Chain     string `json:"chain"`
	Address   string `json:"address"`
	NextNonce uint64 `json:"next_nonce"`
	// Advisory is always true: the value is not reserved.
	Advisory bool `json:"advisory"`
}

func (c *Controller) HandleNextNonce(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	chain, address := vars["chain"], nonce.NormalizeAddress(vars["address"])

	n, err := c.App.Nonces.NextNonce(r.Context(), chain, address)
	if err != nil {
		c.nonceError(w, err)
		return
	}
	c.writeJSON(w, http.StatusOK, NextNonceResponse{Chain: chain, Address: address, NextNonce: n, Advisory: true})
}

// HandleReconcile runs a reconcile of one account immediately.
func (c *Controller) HandleReconcile(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	report, err := c.App.Nonces.Reconcile(r.Context(), vars["chain"], vars["address"])
	if err != nil {
		c.nonceError(w, err)
		return
	}
	c.writeJSON(w, http.StatusOK, report)
}

func (c *Controller) nonceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, nonce.ErrUnknownChain):
		c.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, selector.ErrNoHealthyEndpoint), errors.Is(err, selector.ErrAttemptsExhausted):
		c.writeError(w, http.StatusBadGateway, err.Error())
	case errors.Is(err, nonce.ErrNonceLockTimeout):
		c.writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		c.App.Logger.Error("Nonce request failed", zap.Error(err))
		c.writeError(w, http.StatusInternalServerError, "internal error")
	}
}
