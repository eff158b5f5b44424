package controller

import (
	"errors"
	"net/http"

	"github.com/canopy-network/txrelay/pkg/pipeline"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// SubmitRequest is the body of a submission or a replacement.
type SubmitRequest struct {
	Chain       string `json:"chain"`
	FromAddress string `json:"from_address"`
	// SignedTx is the 0x-prefixed hex of the signed payload.
	SignedTx string `json:"signed_tx"`
	// Nonce is only read for chain families whose payload carries none.
	Nonce *uint64 `json:"nonce,omitempty"`
}

type SubmitResponse struct {
	ID string `json:"id"`
}

func (req SubmitRequest) signed() (pipeline.SignedTx, error) {
	raw, err := hexutil.Decode(req.SignedTx)
	if err != nil {
		return pipeline.SignedTx{}, err
	}
	return pipeline.SignedTx{
		Chain:       req.Chain,
		FromAddress: req.FromAddress,
		Payload:     raw,
		Nonce:       req.Nonce,
	}, nil
}

// HandleSubmit accepts a signed transaction. The answer only means it was recorded;
// progress is read from the status endpoint or the event stream.
func (c *Controller) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := decodeBody(w, r, &req); err != nil {
		c.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	in, err := req.signed()
	if err != nil {
		c.writeError(w, http.StatusBadRequest, "signed_tx must be 0x-prefixed hex")
		return
	}

	id, err := c.App.Pipeline.Submit(r.Context(), in)
	if err != nil {
		c.pipelineError(w, "submit", err)
		return
	}
	c.writeJSON(w, http.StatusAccepted, SubmitResponse{ID: id})
}

func (c *Controller) HandleTransaction(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	tx, err := c.App.Pipeline.GetStatus(r.Context(), id)
	if err != nil {
		c.pipelineError(w, "status", err)
		return
	}
	c.writeJSON(w, http.StatusOK, tx)
}

// HandleReplace submits a fee-bumped payload for the nonce of an in-flight transaction.
func (c *Controller) HandleReplace(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req SubmitRequest
	if err := decodeBody(w, r, &req); err != nil {
		c.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	in, err := req.signed()
	if err != nil {
		c.writeError(w, http.StatusBadRequest, "signed_tx must be 0x-prefixed hex")
		return
	}

	newID, err := c.App.Pipeline.RequestReplacement(r.Context(), id, in)
	if err != nil {
		c.pipelineError(w, "replace", err)
		return
	}
	c.writeJSON(w, http.StatusAccepted, SubmitResponse{ID: newID})
}

func (c *Controller) pipelineError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, pipeline.ErrInvalidTransaction):
		c.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, pipeline.ErrNotFound):
		c.writeError(w, http.StatusNotFound, "transaction not found")
	case errors.Is(err, pipeline.ErrNotReplaceable):
		c.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, pipeline.ErrNonceMismatch):
		c.writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, pipeline.ErrStopped):
		c.writeError(w, http.StatusServiceUnavailable, "shutting down")
	default:
		c.App.Logger.Error("Transaction request failed", zap.String("op", op), zap.Error(err))
		c.writeError(w, http.StatusInternalServerError, "internal error")
	}
}
