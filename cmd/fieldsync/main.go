package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"

	fieldsync "github.com/outreach-health/fieldsync"
	"github.com/outreach-health/fieldsync/conflict"
	"github.com/outreach-health/fieldsync/engine"
	"github.com/outreach-health/fieldsync/internal"
	"github.com/outreach-health/fieldsync/metrics"
	"github.com/outreach-health/fieldsync/netmon"
	"github.com/outreach-health/fieldsync/pubsub"
	"github.com/outreach-health/fieldsync/queue"
	"github.com/outreach-health/fieldsync/state"
	"github.com/outreach-health/fieldsync/upstream"
)

var GitCommit string

const version = "0.99.0"

var (
	flagBindAddr      = flag.String("port", ":8010", "Bind address")
	flagPostgres      = flag.String("db", "user=postgres dbname=fieldsync sslmode=disable", "Postgres DB connection string (see lib/pq docs)")
	flagStoreURL      = flag.String("store", "", "The central store base URL")
	flagGatewayURL    = flag.String("gateway", "", "The device downlink gateway base URL (defaults to the store URL)")
	flagProbeURL      = flag.String("probe", "", "Connectivity probe URL (defaults to the store URL)")
	flagProbeInterval = flag.Duration("probe-interval", 2*time.Minute, "How often to probe connectivity")
	flagWorkers       = flag.Int("workers", 16, "Max concurrent routine sessions")
	flagEmergency     = flag.Int("emergency-workers", 4, "Workers reserved for emergency sessions")
	flagCritical      = flag.String("critical-sources", "patients,medications,care_plans", "Comma-separated critical data sources")
	flagOrdering      = flag.String("queue-ordering", "priority", "Offline queue dequeue policy: fifo, lifo or priority")
	flagSentryDSN     = flag.String("sentry-dsn", "", "Sentry DSN for error reporting (optional)")
	flagOTLPURL       = flag.String("otlp-url", "", "OTLP trace collector URL (optional)")
	flagOTLPUser      = flag.String("otlp-user", "", "OTLP basic auth username")
	flagOTLPPass      = flag.String("otlp-pass", "", "OTLP basic auth password")
)

func main() {
	flag.Parse()
	if *flagStoreURL == "" {
		flag.Usage()
		os.Exit(1)
	}
	probeURL := *flagProbeURL
	if probeURL == "" {
		probeURL = *flagStoreURL
	}

	if *flagSentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:     *flagSentryDSN,
			Release: version,
			Dist:    GitCommit,
		}); err != nil {
			panic(err)
		}
		defer sentry.Flush(2 * time.Second)
	}
	if *flagOTLPURL != "" {
		if err := internal.ConfigureOTLP(*flagOTLPURL, *flagOTLPUser, *flagOTLPPass, version+" ("+GitCommit+")"); err != nil {
			panic(err)
		}
	}

	storage := state.NewStorage(*flagPostgres)
	defer storage.Teardown()
	if err := storage.Migrate(); err != nil {
		panic(err)
	}

	q := queue.NewQueue(storage.Queue, queue.Ordering(*flagOrdering))
	if _, err := q.Recover(context.Background()); err != nil {
		panic(err)
	}

	monitor := netmon.NewMonitor(&netmon.HTTPProber{URL: probeURL}, *flagProbeInterval)
	go monitor.Run()
	defer monitor.Stop()

	ps := pubsub.NewPubSub(128)
	notifier := pubsub.NewPromNotifier(ps, "engine")

	reporter := metrics.NewReporter(24*time.Hour, metrics.DefaultThresholds(), func() int {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		n, err := storage.Queue.PendingTotal(ctx)
		if err != nil {
			return 0
		}
		return n
	})

	resolver := conflict.NewResolver(conflict.DefaultConfig())
	defer resolver.Stop()

	mgr := engine.NewManager(engine.Config{
		MaxWorkers:       *flagWorkers,
		EmergencyWorkers: *flagEmergency,
		CriticalSources:  strings.Split(*flagCritical, ","),
		OpTimeout:        30 * time.Second,
		MaxPullRetries:   5,
		ShutdownGrace:    30 * time.Second,
	}, engine.Deps{
		Queue:       q,
		Conflicts:   storage.Conflicts,
		Checkpoints: storage.Checkpoints,
		Devices:     storage.Devices,
		Network:     monitor,
		Resolver:    resolver,
		Transport:   upstream.NewClient(*flagStoreURL, *flagGatewayURL),
		Notifier:    notifier,
		Reporter:    reporter,
	})

	janitor := engine.NewJanitor(mgr.Registry(), time.Minute, time.Hour)
	go janitor.Run()
	defer janitor.Stop()

	go func() {
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
		<-sigs
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := mgr.Shutdown(ctx); err != nil {
			os.Exit(1)
		}
		os.Exit(0)
	}()

	h := &fieldsync.SyncHandler{
		Manager:   mgr,
		Conflicts: storage.Conflicts,
		Devices:   storage.Devices,
		Queue:     q,
		Reporter:  reporter,
		Network:   monitor,
		Resolver:  resolver,
		Notifier:  notifier,
	}
	fieldsync.RunServer(h, ps, *flagBindAddr)
}
