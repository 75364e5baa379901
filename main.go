package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/fasthttp/router"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/valyala/fasthttp"

	"splitlab/internal/assignment"
	"splitlab/internal/cascade"
	"splitlab/internal/config"
	"splitlab/internal/content"
	"splitlab/internal/db"
	"splitlab/internal/experiments"
	"splitlab/internal/http/handlers"
	appmw "splitlab/internal/http/middleware"
	"splitlab/internal/metrics"
	"splitlab/internal/ratelimit"
	"splitlab/internal/render"
	"splitlab/internal/results"
	"splitlab/internal/tracking"
)

func main() {
	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("invalid configuration")
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		logrus.WithError(err).Fatal("invalid log level")
	}
	logrus.SetLevel(level)
	log := logrus.StandardLogger()

	sqlDB, err := db.Connect(cfg)
	if err != nil {
		log.WithError(err).Fatal("failed to connect database")
	}
	store := db.NewStore(sqlDB, log)

	if err := db.EnsureBootstrapAdmin(sqlDB, cfg); err != nil {
		log.WithError(err).Fatal("failed to ensure bootstrap admin")
	}
	if cfg.APIKey != "" {
		if err := db.EnsureBootstrapAPIKey(sqlDB, cfg); err != nil {
			log.WithError(err).Warn("failed to ensure bootstrap API key")
		} else {
			log.Info("integration API key configured")
		}
	}

	metrics.Register(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tree := content.NewTree()
	resolver := cascade.New(tree, store,
		cascade.WithAsyncThreshold(cfg.CascadeAsyncThreshold),
		cascade.WithLogger(log),
	)
	tree.Subscribe(resolver)
	resolver.Start(ctx)

	var windows interface {
		ratelimit.Store
		db.WindowPruner
	} = store
	if cfg.RateLimitStore == "memory" {
		windows = ratelimit.NewMemoryStore()
	}
	limiter := ratelimit.New(windows, cfg.ConversionRateLimit, ratelimit.WithLogger(log))
	db.StartRetentionWorker(ctx, windows, cfg.SweepInterval, log)

	engine := assignment.New(store, cfg.CookieDuration(), assignment.WithLogger(log))
	reports := results.New(store, results.Settings{
		SignificanceThreshold: cfg.SignificanceThreshold,
		MinDetectableEffect:   cfg.MinDetectableEffect,
	})
	watcher := results.NewWatcher(reports, store, results.LogNotifier{Log: log}, log)
	ledger := tracking.New(store, engine, cfg.CountingMode,
		tracking.WithWatcher(watcher),
		tracking.WithLogger(log),
	)
	exps := experiments.New(store, tree, resolver, reports, experiments.WithLogger(log))
	decider := render.New(tree, store, resolver, engine, ledger, exps,
		render.WithEndpoint(cfg.TrackEndpoint),
		render.WithTokenSecret(cfg.TokenSecret),
		render.WithLogger(log),
	)

	r := router.New()
	r.SaveMatchedRoutePath = true

	// Global middleware chain: request logger, then metrics, then router
	handler := handlers.RequestLogger(appmw.Instrument(r.Handler))

	integration := appmw.BearerAuth(store)
	admin := appmw.AdminAuth(store)

	r.GET("/healthz", func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusOK)
		ctx.SetBodyString("ok")
	})

	// Public conversion beacon.
	r.POST(cfg.TrackEndpoint, handlers.TrackConversion(ledger, limiter, cfg.TokenSecret))

	// Rendering pipeline and content repository.
	r.POST("/v1/render/decide", integration(handlers.RenderDecide(decider, engine)))
	r.POST("/v1/content/nodes", integration(handlers.InsertNode(tree)))
	r.PUT("/v1/content/nodes/{id}/move", integration(handlers.MoveNode(tree)))
	r.DELETE("/v1/content/nodes/{id}", integration(handlers.DeleteNode(tree)))
	r.PUT("/v1/content/tree", integration(handlers.LoadTree(tree, resolver.RebuildRunning)))

	// Experiment administration.
	r.GET("/v1/experiments", admin(handlers.ListExperiments(exps)))
	r.POST("/v1/experiments", admin(handlers.CreateExperiment(exps)))
	r.GET("/v1/experiments/{id}", admin(handlers.GetExperiment(exps)))
	r.PUT("/v1/experiments/{id}", admin(handlers.UpdateExperiment(exps)))
	r.DELETE("/v1/experiments/{id}", admin(handlers.DeleteExperiment(exps)))
	r.PUT("/v1/experiments/{id}/goals", admin(handlers.SetGoals(exps)))
	r.POST("/v1/experiments/{id}/start", admin(handlers.StartExperiment(exps)))
	r.POST("/v1/experiments/{id}/pause", admin(handlers.PauseExperiment(exps)))
	r.POST("/v1/experiments/{id}/complete", admin(handlers.CompleteExperiment(exps)))
	r.POST("/v1/experiments/{id}/cascade/rebuild", admin(handlers.RebuildCascade(exps)))
	r.GET("/v1/experiments/{id}/results", admin(handlers.ExperimentResults(exps, reports)))
	r.GET("/v1/experiments/{id}/estimate", admin(handlers.ExperimentEstimate(exps, reports)))

	r.GET("/metrics", admin(handlers.MetricsHandler(prometheus.DefaultGatherer)))
	r.GET("/v1/metrics", admin(handlers.ExperimentMetricsHandler(prometheus.DefaultGatherer)))

	r.GET("/v1/apikeys", admin(handlers.ListAPIKeys(store)))
	r.POST("/v1/apikeys", admin(handlers.CreateAPIKey(store)))
	r.PUT("/v1/apikeys/{id}/active", admin(handlers.SetActiveAPIKey(store)))
	r.DELETE("/v1/apikeys/{id}", admin(handlers.DeleteAPIKey(store, cfg)))

	r.GET("/v1/users", admin(handlers.ListUsers(store)))
	r.POST("/v1/users", admin(handlers.CreateUser(store)))
	r.PUT("/v1/users/{id}/password", admin(handlers.ResetPassword(store, cfg)))
	r.DELETE("/v1/users/{id}", admin(handlers.DeleteUser(store, cfg)))

	srv := &fasthttp.Server{
		Handler: handler,
		Name:    "splitlab",
	}
	go func() {
		<-ctx.Done()
		if err := srv.Shutdown(); err != nil {
			log.WithError(err).Warn("server shutdown")
		}
	}()

	log.WithField("addr", cfg.ListenAddr).Info("listening")
	if err := srv.ListenAndServe(cfg.ListenAddr); err != nil {
		log.WithError(err).Fatal("server error")
	}
}
