package repository

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	evedb "github.com/NemorionTechnologies/DataConnectors-sub001/db"
)

// Repositories composes every storage-backed dependency the engine needs:
// the five Postgres-backed domain repositories (required), plus an optional
// Redis-backed Lock and an optional Neo4j-backed GraphCache. Postgres is the
// only hard dependency - Redis and Neo4j degrade to nil when unconfigured,
// and every caller of Lock/GraphCache is written to tolerate that.
type Repositories struct {
	pg *evedb.PostgresDB

	Workflows           *WorkflowRepository
	WorkflowDefinitions *WorkflowDefinitionRepository
	WorkflowExecutions  *WorkflowExecutionRepository
	ActionExecutions    *ActionExecutionRepository
	ActionCatalog       *ActionCatalogRepository

	Lock       *RedisLock
	GraphCache *Neo4jGraphCache
}

// Config holds connection settings for every storage backend the engine
// can use. The caller builds this from config.EngineConfig.
type Config struct {
	PostgresURL string // required

	RedisURL string // optional; empty disables distributed locking

	Neo4jURL      string // optional; empty disables the graph cache mirror
	Neo4jUser     string
	Neo4jPassword string
}

// NewRepositories connects to Postgres (required, and runs Migrate), then
// attempts Redis and Neo4j only if their URLs are set. A configured-but-
// unreachable optional backend is an error; an unconfigured one is a
// silent, logged no-op so the engine can run single-process with no
// external coordination at all.
func NewRepositories(ctx context.Context, config Config, log *logrus.Entry) (*Repositories, error) {
	if config.PostgresURL == "" {
		return nil, fmt.Errorf("postgres url is required")
	}

	pg, err := evedb.NewPostgresDB(config.PostgresURL)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := Migrate(ctx, pg); err != nil {
		pg.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	log.Info("postgres repositories initialized")

	repos := &Repositories{
		pg:                  pg,
		Workflows:           NewWorkflowRepository(pg),
		WorkflowDefinitions: NewWorkflowDefinitionRepository(pg),
		WorkflowExecutions:  NewWorkflowExecutionRepository(pg),
		ActionExecutions:    NewActionExecutionRepository(pg),
		ActionCatalog:       NewActionCatalogRepository(pg),
	}

	if config.RedisURL != "" {
		lock, err := NewRedisLock(config.RedisURL)
		if err != nil {
			pg.Close()
			return nil, fmt.Errorf("connecting to redis: %w", err)
		}
		repos.Lock = lock
		log.Info("redis start-lock and catalog pub/sub initialized")
	} else {
		log.Info("redis url unset: start-lock and cross-replica catalog refresh disabled")
	}

	if config.Neo4jURL != "" {
		cache, err := NewNeo4jGraphCache(config.Neo4jURL, config.Neo4jUser, config.Neo4jPassword)
		if err != nil {
			pg.Close()
			if repos.Lock != nil {
				repos.Lock.Close()
			}
			return nil, fmt.Errorf("connecting to neo4j: %w", err)
		}
		repos.GraphCache = cache
		log.Info("neo4j graph cache initialized")
	} else {
		log.Info("neo4j url unset: graph cache mirror disabled")
	}

	return repos, nil
}

// Close releases every connection this Repositories holds.
func (r *Repositories) Close() error {
	var errs []error

	if r.Lock != nil {
		if err := r.Lock.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if r.GraphCache != nil {
		if err := r.GraphCache.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if r.pg != nil {
		r.pg.Close()
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors closing repositories: %v", errs)
	}
	return nil
}
