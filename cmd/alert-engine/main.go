// The alert-engine binary runs evaluation and dispatch alone, for
// deployments that scale the engine separately from the tool API.
package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vigil/backend/internal/alerts"
	"github.com/vigil/backend/internal/config"
	"github.com/vigil/backend/internal/cooldown"
	"github.com/vigil/backend/internal/metrics"
	"github.com/vigil/backend/internal/notify"
	"github.com/vigil/backend/internal/samples"
	"github.com/vigil/backend/internal/store"
)

const shutdownTimeout = 30 * time.Second

func main() {
	log.Println("Starting Vigil alert engine...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Configuration error: %v", err)
	}

	st, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Database connection failed: %v", err)
	}
	defer st.Close()

	var cd cooldown.Store
	if cfg.RedisURL != "" {
		rcd, err := cooldown.NewRedisStore(cfg.RedisURL)
		if err != nil {
			log.Printf("Redis unavailable (%v), using in-memory cooldown store", err)
			cd = cooldown.NewMemoryStore()
		} else {
			cd = rcd
			defer rcd.Close()
		}
	} else {
		cd = cooldown.NewMemoryStore()
	}

	var source samples.Source
	if cfg.SampleBackend == "simulator" {
		source = samples.NewSimulator()
	} else {
		source = samples.NewInfluxSource(cfg.InfluxURL, cfg.InfluxToken, cfg.InfluxDatabase)
	}

	m := metrics.NewMetrics()
	dispatcher := notify.NewDispatcher(st, notify.Defaults{
		SlackWebhook:   cfg.SlackWebhook,
		DiscordWebhook: cfg.DiscordWebhook,
		TeamsWebhook:   cfg.TeamsWebhook,
	}, cfg.SendgridAPIKey, cfg.EmailFrom, m)
	defer dispatcher.Close()

	engine := alerts.NewEngine(st, source, cd, dispatcher, m, cfg.EvaluationInterval)

	r := mux.NewRouter()
	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}).Methods("GET")
	r.HandleFunc("/ready", func(w http.ResponseWriter, req *http.Request) {
		ctx, cancel := context.WithTimeout(req.Context(), 2*time.Second)
		defer cancel()
		ready := st.Ping(ctx) == nil && cd.Ping(ctx) == nil
		w.Header().Set("Content-Type", "application/json")
		if !ready {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(map[string]bool{"ready": ready})
	}).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	var g run.Group
	{
		g.Add(func() error {
			log.Printf("Health endpoints listening on :%s", cfg.Port)
			return server.ListenAndServe()
		}, func(error) {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := server.Shutdown(ctx); err != nil {
				log.Printf("HTTP shutdown error: %v", err)
			}
		})
	}
	{
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error {
			return engine.Run(ctx)
		}, func(error) {
			cancel()
		})
	}
	g.Add(run.SignalHandler(context.Background(), os.Interrupt, syscall.SIGTERM))

	if err := g.Run(); err != nil {
		if _, ok := err.(run.SignalError); ok {
			log.Printf("Received %v, shut down", err)
			return
		}
		log.Fatalf("Alert engine exited: %v", err)
	}
}
