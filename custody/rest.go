package custody

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
)

const timeout = 15

// Init sets up and starts the http/https server servicing the RESTful API of
// the custody service. If sslPort, sslCert and sslKey are informed, it will
// also start an https (TLS) server on the specified endpoint.
func (c *Custody) Init(endpoint, port, sslPort, sslCert, sslKey string) string {
	var err, errTLS error

	// API definition
	r := mux.NewRouter()
	api := r.PathPrefix("/api").Subrouter()

	api.HandleFunc("/isalive", c.isAliveHandler).Methods("GET")
	api.HandleFunc("/capabilities", c.capabilitiesHandler).Methods("GET")
	api.HandleFunc("/constants", c.constantsHandler).Methods("GET")
	api.HandleFunc("/assets", c.assetsHandler).Methods("GET")
	api.HandleFunc("/assets/{assetId}", c.assetHandler).Methods("GET")
	api.HandleFunc("/addresses/{address}/validity", c.addressValidityHandler).Methods("GET")
	api.HandleFunc("/initialize", c.initializeHandler).Methods("POST")

	api.HandleFunc("/balances", c.balancesHandler).Methods("GET")
	api.HandleFunc("/balances/{address}/observation", c.observeHandler).Methods("POST")
	api.HandleFunc("/balances/{address}/observation", c.unobserveHandler).Methods("DELETE")

	api.HandleFunc("/transactions/single", c.txHandler(ShapeSingle)).Methods("POST")
	api.HandleFunc("/transactions/many-inputs", c.txHandler(ShapeManyInputs)).Methods("POST")
	api.HandleFunc("/transactions/many-outputs", c.txHandler(ShapeManyOutputs)).Methods("POST")
	api.HandleFunc("/transactions/broadcast", c.broadcastHandler).Methods("POST")
	api.HandleFunc("/transactions/broadcast/{shape:single|many-inputs|many-outputs}/{operationId}", c.findTxHandler).Methods("GET")
	api.HandleFunc("/transactions/broadcast/{operationId}", c.stopObservingHandler).Methods("DELETE")
	api.HandleFunc("/transactions/history/{direction:from|to}/{address}", c.historyHandler).Methods("GET")
	api.HandleFunc("/transactions/history/{direction:from|to}/{address}/observation", c.okHandler).Methods("POST", "DELETE")
	api.HandleFunc("/transactions", c.notImplementedHandler).Methods("PUT")

	// setup shutdown channel
	c.sc = make(chan struct{})

	// start http server
	if port != "" {
		c.s = &http.Server{
			Handler:      r,
			Addr:         endpoint + ":" + port,
			WriteTimeout: timeout * time.Second,
			ReadTimeout:  timeout * time.Second,
		}

		go func() {
			err = c.s.ListenAndServe()
		}()

		c.log.Infow("listening to API http requests", "endpoint", endpoint, "port", port)
	}

	// start https server
	if sslPort != "" && sslCert != "" && sslKey != "" {
		c.ss = &http.Server{
			Handler:      r,
			Addr:         endpoint + ":" + sslPort,
			WriteTimeout: timeout * time.Second,
			ReadTimeout:  timeout * time.Second,
		}

		go func() {
			errTLS = c.ss.ListenAndServeTLS(sslCert, sslKey)
		}()

		c.log.Infow("listening to API https requests", "endpoint", endpoint, "port", sslPort)
	}

	// wait for servers to be shutdown
	<-c.sc

	return fmt.Sprintf("shutdown http server:%v, https server:%v", err, errTLS)
}
