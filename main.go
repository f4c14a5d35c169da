// Command workflow-engine starts the HTTP API, the conductor, and the
// background action-catalog refresher as a single process. Postgres is the
// only required backend; Redis (distributed start-lock and cross-replica
// catalog invalidation) and Neo4j (a non-authoritative graph mirror of
// published workflows) degrade to disabled when their URLs are unset.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/NemorionTechnologies/DataConnectors-sub001/common"
	"github.com/NemorionTechnologies/DataConnectors-sub001/conductor"
	"github.com/NemorionTechnologies/DataConnectors-sub001/condition"
	"github.com/NemorionTechnologies/DataConnectors-sub001/config"
	"github.com/NemorionTechnologies/DataConnectors-sub001/contracts"
	"github.com/NemorionTechnologies/DataConnectors-sub001/db/repository"
	"github.com/NemorionTechnologies/DataConnectors-sub001/executor"
	engineHTTP "github.com/NemorionTechnologies/DataConnectors-sub001/http"
	"github.com/NemorionTechnologies/DataConnectors-sub001/registry"
	"github.com/NemorionTechnologies/DataConnectors-sub001/schema"
	"github.com/NemorionTechnologies/DataConnectors-sub001/template"
	"github.com/NemorionTechnologies/DataConnectors-sub001/workflow"
)

func main() {
	cfg := config.LoadEngineConfig()
	if cfg.Service.Name == "" {
		cfg.Service.Name = "workflow-engine"
	}

	log := common.NewLogger(common.LoggerConfig{
		Level:      common.LogLevel(cfg.Service.LogLevel),
		Format:     cfg.Service.LogFormat,
		Service:    cfg.Service.Name,
		Version:    cfg.Service.Version,
		TimeFormat: time.RFC3339,
	})
	common.Logger = log
	entry := log.WithFields(logrus.Fields{
		"service": cfg.Service.Name,
		"version": cfg.Service.Version,
	})
	cl := common.ServiceLogger(cfg.Service.Name, cfg.Service.Version)
	defer common.LogPanic(cl)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var repos *repository.Repositories
	if err := common.LogOperation(cl, "initialize_repositories", func() error {
		var err error
		repos, err = repository.NewRepositories(ctx, repository.Config{
			PostgresURL:   cfg.PostgresURL,
			RedisURL:      cfg.RedisURL,
			Neo4jURL:      cfg.Neo4jURL,
			Neo4jUser:     cfg.Neo4jUser,
			Neo4jPassword: cfg.Neo4jPassword,
		}, entry)
		return err
	}); err != nil {
		entry.WithError(err).Fatal("initializing repositories")
	}
	defer repos.Close()

	// repos.Lock/GraphCache are concrete pointer types that may be nil; a
	// nil *RedisLock assigned straight into an interface variable would stop
	// being comparable to nil, so only assign when the concrete value is set.
	var lock contracts.Lock
	if repos.Lock != nil {
		lock = repos.Lock
	}
	var graphCache contracts.GraphCache
	if repos.GraphCache != nil {
		graphCache = repos.GraphCache
	}

	tmplEngine, err := template.New(template.Config{
		RenderTimeout: cfg.TemplateRenderTimeout,
		StrictMode:    cfg.TemplateStrictMode,
	})
	if err != nil {
		entry.WithError(err).Fatal("building template engine")
	}

	condEvaluator, err := condition.New(condition.Config{
		Timeout:   cfg.ConditionTimeout,
		CostLimit: cfg.ConditionCostLimit,
	}, entry.WithField("component", "condition"))
	if err != nil {
		entry.WithError(err).Fatal("building condition evaluator")
	}

	schemaValidator := schema.New()

	catalog := registry.New(repos.ActionCatalog, lock, entry.WithField("component", "catalog"))
	if err := common.LogOperation(cl.WithField("component", "catalog"), "initial_catalog_refresh", func() error {
		return catalog.Refresh(ctx)
	}); err != nil {
		entry.WithError(err).Warn("initial action catalog refresh failed; starting with an empty catalog")
	}
	go catalog.RunBackground(ctx, cfg.CatalogRefreshInterval)

	remote := executor.NewRemoteExecutor(cfg.ConnectorBaseURLs, cfg.ActionTimeout)
	dispatcher := executor.NewDispatcher(catalog, remote)
	executor.RegisterBuiltins(dispatcher)

	broadcaster := conductor.NewBroadcaster()

	cond := conductor.New(
		tmplEngine,
		condEvaluator,
		schemaValidator,
		catalog,
		dispatcher,
		repos.WorkflowExecutions,
		repos.ActionExecutions,
		lock,
		broadcaster,
		conductor.Config{
			MaxParallelActions:     int64(cfg.MaxConcurrentNodes),
			DefaultActionTimeout:   cfg.ActionTimeout,
			DefaultWorkflowTimeout: 30 * time.Minute,
			Retry: conductor.RetryPolicy{
				InitialDelay:  cfg.RetryInitialBackoff,
				BackoffFactor: cfg.RetryBackoffMultiple,
				MaxAttempts:   cfg.RetryMaxAttempts,
				Jitter:        cfg.RetryJitter,
			},
			AllowDraftExecution: cfg.AllowDraftExecution,
		},
		entry.WithField("component", "conductor"),
	)

	validator := workflow.NewPublishValidator(catalog, schemaValidator, condEvaluator)
	service := workflow.NewService(repos.Workflows, repos.WorkflowDefinitions, validator, cond, graphCache, entry.WithField("component", "workflow"))

	serverConfig := engineHTTP.ServerConfig{
		Port:            cfg.Server.Port,
		Debug:           cfg.Server.Debug,
		BodyLimit:       "10M",
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		AllowedOrigins:  cfg.CORS.AllowedOrigins,
	}
	e := engineHTTP.NewEchoServer(serverConfig)
	engineHTTP.RegisterRoutes(e, engineHTTP.Dependencies{
		Service:    service,
		Conductor:  cond,
		Registry:   catalog,
		Executions: repos.WorkflowExecutions,
		Actions:    repos.ActionExecutions,
		Log:        entry,
		AdminKey:   cfg.AdminAPIKey,
		Version:    cfg.Service.Version,
	})

	go func() {
		if err := engineHTTP.StartServer(e, serverConfig); err != nil {
			entry.WithError(err).Info("http server stopped")
		}
	}()

	<-ctx.Done()
	entry.Info("shutdown signal received")
	if err := engineHTTP.GracefulShutdown(e, serverConfig.ShutdownTimeout); err != nil {
		entry.WithError(err).Error("graceful shutdown failed")
	}
}
