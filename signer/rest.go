package signer

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
)

const timeout = 15

// Init sets up and starts the http/https server servicing the RESTful API of
// the signing service.
func (s *Signer) Init(endpoint, port, sslPort, sslCert, sslKey string) string {
	var err, errTLS error

	// API definition
	r := mux.NewRouter()
	api := r.PathPrefix("/api").Subrouter()

	api.HandleFunc("/isalive", s.isAliveHandler).Methods("GET")
	api.HandleFunc("/initialize", s.initializeHandler).Methods("POST")
	api.HandleFunc("/wallets", s.walletsHandler).Methods("POST")
	api.HandleFunc("/sign", s.signHandler).Methods("POST")

	// setup shutdown channel
	s.sc = make(chan struct{})

	// start http server
	if port != "" {
		s.s = &http.Server{
			Handler:      r,
			Addr:         endpoint + ":" + port,
			WriteTimeout: timeout * time.Second,
			ReadTimeout:  timeout * time.Second,
		}

		go func() {
			err = s.s.ListenAndServe()
		}()

		s.log.Infow("listening to API http requests", "endpoint", endpoint, "port", port)
	}

	// start https server
	if sslPort != "" && sslCert != "" && sslKey != "" {
		s.ss = &http.Server{
			Handler:      r,
			Addr:         endpoint + ":" + sslPort,
			WriteTimeout: timeout * time.Second,
			ReadTimeout:  timeout * time.Second,
		}

		go func() {
			errTLS = s.ss.ListenAndServeTLS(sslCert, sslKey)
		}()

		s.log.Infow("listening to API https requests", "endpoint", endpoint, "port", sslPort)
	}

	// wait for servers to be shutdown
	<-s.sc

	return fmt.Sprintf("shutdown http server:%v, https server:%v", err, errTLS)
}
