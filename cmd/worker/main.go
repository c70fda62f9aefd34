// Package main: worker service.
//
// The worker runs every scheduled job of the custody engine: one deposit scan per chain, the confirmation cycle, the
// withdraw dispatch, the failed notification replay and the deposit collection. Chains scanned in pool mode also get
// their block unit worker pool. With a Redis address configured, several workers can run side by side and each job
// body still runs on one of them at a time.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/tarancss/custody/collect"
	"github.com/tarancss/custody/confirm"
	"github.com/tarancss/custody/explorer"
	"github.com/tarancss/custody/explorer/pool"
	"github.com/tarancss/custody/lib/block"
	"github.com/tarancss/custody/lib/config"
	"github.com/tarancss/custody/lib/keys"
	"github.com/tarancss/custody/lib/logging"
	"github.com/tarancss/custody/lib/msg/broker"
	"github.com/tarancss/custody/lib/store/db"
	"github.com/tarancss/custody/notify"
	"github.com/tarancss/custody/scheduler"
	"github.com/tarancss/custody/withdraw"
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
	log := logrus.NewEntry(logger).WithField("service", "worker")

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
	}
	vault := keys.NewVault(dbConn, keys.NewKeyring(conf.KeyringSecret), deriver)

	// single-flight guard
	var guard scheduler.Guard = scheduler.LocalGuard{}
	if conf.Redis != "" {
		rg, err := scheduler.NewRedisGuard(conf.Redis, log)
		if err != nil {
			log.WithError(err).Fatal("Connecting to redis")
		}
		defer rg.Close()
		guard = rg
	}

	// components
	notifier := notify.New(conf.Notify, dbConn, mb, log)
	exp := explorer.New(dbConn, reg, log)
	machine := confirm.New(dbConn, reg, vault, notifier, log)
	pipeline := withdraw.New(dbConn, reg, vault, notifier, log)
	collector := collect.New(dbConn, reg, vault, conf.ForwardMode, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := scheduler.New(log, guard)
	must := func(err error) {
		if err != nil {
			log.WithError(err).Fatal("Registering job")
		}
	}

	var pools sync.WaitGroup
	for _, ch := range reg.Chains() {
		chain := ch.Name
		must(s.Register("scan:"+chain, ch.ScanInterval.Duration, func(ctx context.Context) error {
			return exp.Scan(ctx, chain)
		}))

		if ch.Mode != config.ModePool {
			continue
		}
		p, err := pool.New(chain, ch.Pool, dbConn, exp.ProcessBlock, log)
		if err != nil {
			log.WithError(err).WithField("chain", chain).Fatal("Creating block unit pool")
		}
		pools.Add(1)
		go func() {
			defer pools.Done()
			if err := p.Run(ctx); err != nil && ctx.Err() == nil {
				log.WithError(err).WithField("chain", chain).Error("Block unit pool stopped")
			}
		}()
	}
	must(s.Register("confirm", conf.Jobs.ConfirmInterval.Duration, machine.Run))
	must(s.Register("dispatch", conf.Jobs.DispatchInterval.Duration, pipeline.Run))
	must(s.Register("notify", conf.Jobs.NotifyInterval.Duration, notifier.Run))
	if conf.ForwardMode == config.ForwardAutomatic {
		must(s.Register("collect", conf.Jobs.CollectInterval.Duration, collector.Run))
	}

	s.Start(ctx)
	log.WithField("jobs", s.Jobs()).Info("Worker started")

	// capture CTRL+C or docker's SIGTERM for gracious exit
	sigchan := make(chan os.Signal, 10)
	signal.Notify(sigchan, os.Interrupt, syscall.SIGTERM)
	<-sigchan
	log.Info("Program killed !")

	// let running job bodies and pool units finish
	cancel()
	s.Wait()
	pools.Wait()
}
