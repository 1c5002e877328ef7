// Package main: custody service. Tracks balances and orchestrates the
// transaction lifecycle; holds view credentials only, never private keys.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/custodia/cpg/custody"
	"github.com/custodia/cpg/lib/config"
	"github.com/custodia/cpg/lib/logger"
	"github.com/custodia/cpg/lib/msg"
	"github.com/custodia/cpg/lib/msg/amqp"
	"github.com/custodia/cpg/lib/retry"
	"github.com/custodia/cpg/lib/store"
	"github.com/custodia/cpg/lib/store/db"
	"github.com/custodia/cpg/lib/tx"
	"github.com/custodia/cpg/lib/wallet"
	"github.com/custodia/cpg/lib/wallet/stellar"
)

func main() {
	// get command line flags
	confPath := flag.String("c", "", "flag to get configuration from json file")
	monitor := flag.Bool("m", false, "flag to monitor the server with Prometheus at http://localhost:9100")
	flag.Parse()

	// extract configuration
	conf, err := config.ExtractConfiguration(*confPath)
	if err != nil {
		panic(err)
	}

	log := logger.New(conf.Log).Named("custody")
	log.Infow("configuration loaded", "chain", conf.Chain, "asset", conf.AssetID, "dbtype", conf.DBType)

	// connect to database
	dbConn, err := db.New(conf.DBType, conf.DBConn)
	if err != nil {
		panic(err)
	}

	log.Infow("connected to database", "conn", conf.DBConn)

	// load Prometheus monitor
	if *monitor {
		go func() {
			log.Infow("serving metrics API")

			h := http.NewServeMux()
			h.Handle("/metrics", promhttp.Handler())
			_ = http.ListenAndServe(":9100", h)
		}()
	}

	// load message broker, waiting for it to come up
	var mb msg.Broker

	if conf.MBConn != "" {
		err = retry.Do(context.Background(), func() error {
			var err error
			if mb, err = amqp.New(conf.MBConn); err != nil {
				return err
			}

			return mb.Setup()
		}, func(err error, attempt int) bool {
			log.Warnw("broker not ready", "attempt", attempt, "err", err)

			return attempt < 3
		}, 10*time.Second)
		if err != nil {
			panic(err)
		}
	}

	// chain backend factory
	factory := func(events chan<- *tx.Tx, pending []store.PendingTx, lastPage string) wallet.Wallet {
		return stellar.New(stellar.Config{
			Node:      conf.Node,
			Testnet:   conf.Testnet,
			RefreshMS: conf.RefreshMS,
			TimeoutMS: conf.SocketTimeoutMS,
		}, log.Named("view-wallet"), events, pending, lastPage)
	}

	// create custody service
	c := custody.New(conf, log, conf.DBType, dbConn, mb, factory)

	if err := c.Start(context.Background()); err != nil {
		panic(err)
	}

	// capture CTRL+C or docker's SIGTERM for gracious exit
	finish := make(chan int)

	go func() {
		sigchan := make(chan os.Signal, 10)
		signal.Notify(sigchan, os.Interrupt, syscall.SIGTERM)
		<-sigchan
		log.Infow("program killed")
		// do last actions and wait for all write operations to end
		c.Stop()
		close(finish)
	}()

	// init RESTful API, wait for its return and log response
	log.Infow("custody stopped", "result", c.Init(conf.Endpoint, conf.Port, conf.SSLPort, conf.SSLCert, conf.SSLKey))

	<-finish
}
