// Package main: wallet service.
//
// The wallet serves the RESTful API of the custody engine. It shares the ledger database with the worker service,
// which runs the scheduled jobs; the wallet itself only acts on caller requests.
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
	"github.com/sirupsen/logrus"

	"github.com/tarancss/custody/lib/block"
	"github.com/tarancss/custody/lib/config"
	"github.com/tarancss/custody/lib/keys"
	"github.com/tarancss/custody/lib/logging"
	"github.com/tarancss/custody/lib/msg/broker"
	"github.com/tarancss/custody/lib/store/db"
	"github.com/tarancss/custody/notify"
	"github.com/tarancss/custody/wallet"
)

func main() {
	// get command line flags
	confPath := flag.String("c", "", "flag to get configuration from a json, yaml or toml file")
	monitor := flag.Bool("m", false, "flag to monitor the server with Prometheus at http://localhost:9100/metrics")
	flag.Parse()

	// extract configuration
	conf, err := config.ExtractConfiguration(*confPath)
	if err != nil {
		logrus.Fatalf("Configuration: %v", err)
	}

	logger := logging.New(conf.LogLevel, conf.LogFormat)
	log := logrus.NewEntry(logger).WithField("service", "wallet")

	// connect to database
	dbConn, err := db.New(conf.DBType, conf.DBConn, conf.DBName)
	if err != nil {
		log.WithError(err).Fatal("Connecting to database")
	}
	defer func() {
		log.WithError(db.Close(conf.DBType, dbConn)).Infof("Disconnected %s database", conf.DBType)
	}()

	// load all blockchains
	reg, err := block.Init(conf, logger)
	if err != nil {
		log.WithError(err).Fatal("Loading blockchain clients")
	}
	defer reg.Close()
	log.Info("Blockchain clients loaded")

	// load Prometheus monitor
	if *monitor {
		go func() {
			log.Info("Serving metrics API")
			h := http.NewServeMux()
			h.Handle("/metrics", promhttp.Handler())
			log.WithError(http.ListenAndServe(":9100", h)).Warn("Metrics API stopped")
		}()
	}

	// load message broker
	mb, err := broker.New(conf.MbType, conf.MbConn, log)
	if err != nil {
		log.WithError(err).Fatal("Loading message broker")
	}
	if mb != nil {
		defer func() {
			log.WithError(mb.Close()).Info("Closing message broker")
		}()
	}

	// keys
	var deriver *keys.Deriver
	if conf.Seed != "" {
		if deriver, err = keys.NewDeriver(conf.Seed); err != nil {
			log.WithError(err).Fatal("Loading HD seed")
		}
	} else {
		log.Warn("No HD seed configured, address generation disabled")
	}
	vault := keys.NewVault(dbConn, keys.NewKeyring(conf.KeyringSecret), deriver)

	// create wallet service
	w := wallet.New(dbConn, reg, vault, notify.New(conf.Notify, dbConn, mb, log), conf.ForwardMode, log)
	if conf.JWTSecret != "" {
		w.SetJWTSecret(conf.JWTSecret)
	}

	// capture CTRL+C or docker's SIGTERM for gracious exit
	go func() {
		sigchan := make(chan os.Signal, 10)
		signal.Notify(sigchan, os.Interrupt, syscall.SIGTERM)
		<-sigchan
		log.Info("Program killed !")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		w.Stop(ctx)
	}()

	// init RESTful API and wait for its return
	if err := w.Init(conf.RestfulEndpoint, conf.Port); err != nil {
		log.WithError(err).Error("Wallet API stopped")
	}
}
