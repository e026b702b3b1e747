// Command foundationctl runs the cache, bus, lock, resilience, scheduler
// and metricsbuf capabilities wired together as one process, exposing
// Prometheus metrics and optional pprof endpoints. It doubles as a
// smoke-test harness: pass -demo to register a sample distributed job
// and watch it execute through the full stack.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	_ "net/http/pprof" // registers /debug/pprof/* on DefaultServeMux
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/latticekit/foundation/bus"
	"github.com/latticekit/foundation/cache"
	pmet "github.com/latticekit/foundation/cache/metrics/prom"
	"github.com/latticekit/foundation/lock"
	"github.com/latticekit/foundation/logging"
	"github.com/latticekit/foundation/metricsbuf"
	mpmet "github.com/latticekit/foundation/metricsbuf/prom"
	"github.com/latticekit/foundation/resilience"
	"github.com/latticekit/foundation/scheduler"
)

func main() {
	var (
		capacity    = flag.Int("cap", 100_000, "cache capacity (entries)")
		metricsAddr = flag.String("http", ":8080", "serve Prometheus metrics at addr")
		pprofAddr   = flag.String("pprof", "", "serve pprof at addr (e.g. :6060); empty = disabled")
		demo        = flag.Bool("demo", false, "register a sample every-minute distributed job")
		jobName     = flag.String("demo-job-name", "heartbeat", "name of the sample job registered with -demo")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := logging.NewZap(nil)

	reg := prometheus.NewRegistry()
	cacheMetrics := pmet.New(reg, "foundation", "cache", nil)

	c := cache.New(cache.Options{
		MaxEntries: *capacity,
		Metrics:    cacheMetrics,
	})
	defer func() { _ = c.Close() }()

	b := bus.New(bus.Options{Logger: logger})
	locks := lock.New(c, b, nil, logger)

	writePolicy := resilience.NewPolicy(resilience.PolicyOptions{
		Retry: resilience.RetryConfig{
			MaxAttempts: 5,
			Strategy:    resilience.ExponentialDelay,
			BaseDelay:   25 * time.Millisecond,
			MaxDelay:    2 * time.Second,
			Jitter:      0.2,
		},
		Breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			MinimumCalls:     20,
			FailureThreshold: 0.5,
			BreakDuration:    5 * time.Second,
		}),
		Logger: logger,
	})

	metrics := metricsbuf.New(metricsbuf.Options{Cache: c, Logger: logger, WritePolicy: writePolicy})
	defer func() { _ = metrics.Close() }()
	reg.MustRegister(mpmet.New(metrics, "foundation", "jobs"))

	runner := scheduler.New(scheduler.Options{Cache: c, Bus: b, Locks: locks, Logger: logger})
	defer func() { _ = runner.Close() }()

	if *demo {
		if err := runner.Register(scheduler.Job{
			Name:           *jobName,
			CronExpression: "* * * * *",
			Enabled:        true,
			Distributed:    true,
			Factory: func(ctx context.Context) error {
				metrics.Counter(*jobName+"_runs", 1)
				logger.Info("heartbeat job ran")
				return nil
			},
		}); err != nil {
			log.Fatalf("register demo job: %v", err)
		}
	}

	if err := runner.Start(ctx); err != nil {
		log.Fatalf("start scheduler: %v", err)
	}

	if *pprofAddr != "" {
		go func() {
			log.Printf("pprof: serving at %s", *pprofAddr)
			log.Println(http.ListenAndServe(*pprofAddr, nil))
		}()
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, "ok")
	})
	mux.HandleFunc("/jobs", func(w http.ResponseWriter, r *http.Request) {
		for _, s := range runner.Snapshot() {
			fmt.Fprintf(w, "%s enabled=%v running=%v last_error=%q\n", s.Name, s.Enabled, s.Running, s.LastError)
		}
	})

	srv := &http.Server{Addr: *metricsAddr, Handler: mux}
	go func() {
		log.Printf("foundationctl: serving at %s", *metricsAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Println(err)
		}
	}()

	<-ctx.Done()
	log.Println("foundationctl: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}
