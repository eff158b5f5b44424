package relayer

import (
	"net/http"
	"time"

	"github.com/canopy-network/txrelay/app/relayer/controller"
	"github.com/canopy-network/txrelay/app/relayer/types"
	"github.com/canopy-network/txrelay/pkg/utils"
)

// NewServer builds the HTTP server of app. It does not start listening.
func NewServer(app *types.App) error {
	ctler := controller.NewController(app)
	router, err := ctler.NewRouter()
	if err != nil {
		return err
	}

	// use <ip>:<port> to bind to a specific interface or :<port> to bind to all interfaces
	addr := utils.Env("ADDR", ":3000")

	app.Server = &http.Server{
		Addr:              addr,
		Handler:           controller.WithCORS(router),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return nil
}
