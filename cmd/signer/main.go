// Package main: signing service. Holds private key material exclusively and
// exposes offline signing and deposit address derivation.
package main

import (
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/custodia/cpg/lib/config"
	"github.com/custodia/cpg/lib/logger"
	"github.com/custodia/cpg/lib/wallet"
	"github.com/custodia/cpg/lib/wallet/stellar"
	"github.com/custodia/cpg/signer"
)

func main() {
	// get command line flags
	confPath := flag.String("c", "", "flag to get configuration from json file")
	monitor := flag.Bool("m", false, "flag to monitor the server with Prometheus at http://localhost:9101")
	flag.Parse()

	// extract configuration
	conf, err := config.ExtractConfiguration(*confPath)
	if err != nil {
		panic(err)
	}

	log := logger.New(conf.Log).Named("signer")
	log.Infow("configuration loaded", "chain", conf.Chain, "asset", conf.AssetID)

	// load Prometheus monitor
	if *monitor {
		go func() {
			log.Infow("serving metrics API")

			h := http.NewServeMux()
			h.Handle("/metrics", promhttp.Handler())
			_ = http.ListenAndServe(":9101", h)
		}()
	}

	// chain backend factory; the sign wallet never touches the network
	factory := func() wallet.Wallet {
		return stellar.New(stellar.Config{Testnet: conf.Testnet}, log.Named("sign-wallet"), nil, nil, "")
	}

	// create signer service
	s := signer.New(conf, log, factory)

	if err := s.Start(); err != nil {
		panic(err)
	}

	// capture CTRL+C or docker's SIGTERM for gracious exit
	finish := make(chan int)

	go func() {
		sigchan := make(chan os.Signal, 10)
		signal.Notify(sigchan, os.Interrupt, syscall.SIGTERM)
		<-sigchan
		log.Infow("program killed")
		s.Stop()
		close(finish)
	}()

	// init RESTful API, wait for its return and log response
	log.Infow("signer stopped", "result", s.Init(conf.Endpoint, conf.Port, conf.SSLPort, conf.SSLCert, conf.SSLKey))

	<-finish
}
