// The controlplane binary runs the full stack in one process: the tool API,
// the alert evaluation engine and the workload reconciler.
package main

import (
	"context"
	"log"
	"os"
	"syscall"
	"time"

	"github.com/oklog/run"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/vigil/backend/internal/alerts"
	"github.com/vigil/backend/internal/api"
	"github.com/vigil/backend/internal/config"
	"github.com/vigil/backend/internal/cooldown"
	"github.com/vigil/backend/internal/metrics"
	"github.com/vigil/backend/internal/notify"
	"github.com/vigil/backend/internal/samples"
	"github.com/vigil/backend/internal/store"
	"github.com/vigil/backend/internal/tools"
	"github.com/vigil/backend/internal/vault"
	"github.com/vigil/backend/internal/workload"
)

const shutdownTimeout = 30 * time.Second

func main() {
	log.Println("Starting Vigil control plane...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Configuration error: %v", err)
	}

	v, err := vault.New(cfg.MasterKey)
	if err != nil {
		log.Fatalf("Secret vault init failed: %v", err)
	}

	st, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Database connection failed: %v", err)
	}
	defer st.Close()
	if err := st.Migrate(context.Background()); err != nil {
		log.Fatalf("Database migration failed: %v", err)
	}

	cd := newCooldownStore(cfg.RedisURL)
	source := newSampleSource(cfg)

	clientset, err := newKubernetesClient()
	if err != nil {
		log.Fatalf("Kubernetes client init failed: %v", err)
	}
	manager := workload.NewManager(clientset, cfg.Namespace, cfg.ImageFor, cfg.InfluxURL)

	m := metrics.NewMetrics()

	dispatcher := notify.NewDispatcher(st, notify.Defaults{
		SlackWebhook:   cfg.SlackWebhook,
		DiscordWebhook: cfg.DiscordWebhook,
		TeamsWebhook:   cfg.TeamsWebhook,
	}, cfg.SendgridAPIKey, cfg.EmailFrom, m)
	defer dispatcher.Close()

	engine := alerts.NewEngine(st, source, cd, dispatcher, m, cfg.EvaluationInterval)
	reconciler := workload.NewReconciler(st, manager, v, cfg.ReconcileInterval, m)
	facade := tools.New(st, manager, v, cfg.Images)

	server := api.NewServer(":"+cfg.Port, facade, st, st, cd, api.StatusInfo{
		SampleBackend:      cfg.SampleBackend,
		EmailConfigured:    cfg.SendgridAPIKey != "",
		SlackConfigured:    cfg.SlackWebhook != "",
		DiscordConfigured:  cfg.DiscordWebhook != "",
		TeamsConfigured:    cfg.TeamsWebhook != "",
		ClusterConfigured:  true,
		EvaluationInterval: cfg.EvaluationInterval.String(),
	})

	var g run.Group
	{
		g.Add(func() error {
			log.Printf("HTTP API listening on :%s", cfg.Port)
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
	{
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error {
			return reconciler.Run(ctx)
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
		log.Fatalf("Control plane exited: %v", err)
	}
}

// newCooldownStore prefers Redis; without a URL (or when Redis is down at
// boot) it degrades to the in-process store so a dev setup still alerts.
func newCooldownStore(redisURL string) cooldown.Store {
	if redisURL == "" {
		log.Println("REDIS_URL not set, using in-memory cooldown store")
		return cooldown.NewMemoryStore()
	}
	cd, err := cooldown.NewRedisStore(redisURL)
	if err != nil {
		log.Printf("Redis unavailable (%v), using in-memory cooldown store", err)
		return cooldown.NewMemoryStore()
	}
	return cd
}

func newSampleSource(cfg *config.Config) samples.Source {
	if cfg.SampleBackend == "simulator" {
		log.Println("Using simulated sample source")
		return samples.NewSimulator()
	}
	return samples.NewInfluxSource(cfg.InfluxURL, cfg.InfluxToken, cfg.InfluxDatabase)
}

// newKubernetesClient tries in-cluster credentials first, then the local
// kubeconfig for development.
func newKubernetesClient() (kubernetes.Interface, error) {
	restCfg, err := rest.InClusterConfig()
	if err != nil {
		loader := clientcmd.NewDefaultClientConfigLoadingRules()
		restCfg, err = clientcmd.NewNonInteractiveDeferredLoadingClientConfig(
			loader, &clientcmd.ConfigOverrides{}).ClientConfig()
		if err != nil {
			return nil, err
		}
	}
	return kubernetes.NewForConfig(restCfg)
}
