package config

import (
	"strconv"
	"time"
)

// EngineConfig is the full environment-configuration surface for the
// workflow engine process: the HTTP server and service identity come from
// the existing generic loaders; everything specific to running the
// conductor lives here. All keys use the ENGINE_ prefix.
type EngineConfig struct {
	Server  ServerConfig
	Service ServiceConfig
	CORS    CORSConfig

	PostgresURL string
	RedisURL    string

	Neo4jURL      string
	Neo4jUser     string
	Neo4jPassword string

	// ConnectorBaseURLs maps a connectorId to the base URL the remote
	// executor posts actions to, populated from ENGINE_CONNECTORS, a
	// comma-separated list of connectorId=baseURL pairs.
	ConnectorBaseURLs map[string]string

	ActionTimeout time.Duration

	RetryMaxAttempts     int
	RetryInitialBackoff  time.Duration
	RetryBackoffMultiple float64
	RetryJitter          bool

	TemplateRenderTimeout time.Duration
	TemplateStrictMode    bool
	ConditionTimeout      time.Duration
	ConditionCostLimit    uint64

	MaxConcurrentNodes int

	CatalogRefreshInterval time.Duration

	// AllowDraftExecution permits StartExecution against an unpublished
	// (version 0) workflow definition. Off by default: draft executions
	// bypass PublishValidator entirely.
	AllowDraftExecution bool

	AdminAPIKey string
}

// LoadEngineConfig reads EngineConfig from the process environment. Every
// key is ENGINE_ prefixed, matching the donor's convention of a single
// fixed prefix per service rather than one passed in by the caller.
func LoadEngineConfig() EngineConfig {
	env := NewEnvConfig("ENGINE")

	connectorURLs := make(map[string]string)
	for _, pair := range env.GetStringSlice("CONNECTORS", nil) {
		for i := 0; i < len(pair); i++ {
			if pair[i] == '=' {
				connectorURLs[pair[:i]] = pair[i+1:]
				break
			}
		}
	}

	// Keys ending in _MS hold a whole number of milliseconds; a Go duration
	// string such as "30s" is accepted too.
	millis := func(key string, def time.Duration) time.Duration {
		if ms, err := strconv.Atoi(env.GetString(key, "")); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
		return env.GetDuration(key, def)
	}

	backoffFactor := 2.0
	if f, err := strconv.ParseFloat(env.GetString("RETRY_BACKOFF_FACTOR", ""), 64); err == nil {
		backoffFactor = f
	}

	return EngineConfig{
		Server:  LoadServerConfig("ENGINE"),
		Service: LoadServiceConfig("ENGINE"),
		CORS:    LoadCORSConfig("ENGINE_CORS"),

		PostgresURL: env.MustGetString("POSTGRES_DSN"),
		RedisURL:    env.GetString("REDIS_ADDR", ""),

		Neo4jURL:      env.GetString("NEO4J_URI", ""),
		Neo4jUser:     env.GetString("NEO4J_USER", "neo4j"),
		Neo4jPassword: env.GetString("NEO4J_PASSWORD", ""),

		ConnectorBaseURLs: connectorURLs,

		ActionTimeout: millis("DEFAULT_ACTION_TIMEOUT_MS", 30*time.Second),

		RetryMaxAttempts:     env.GetInt("RETRY_MAX_ATTEMPTS", 3),
		RetryInitialBackoff:  millis("RETRY_INITIAL_DELAY_MS", 500*time.Millisecond),
		RetryBackoffMultiple: backoffFactor,
		RetryJitter:          env.GetBool("RETRY_USE_JITTER", true),

		TemplateRenderTimeout: millis("TEMPLATE_RENDER_TIMEOUT_MS", 2*time.Second),
		TemplateStrictMode:    env.GetBool("TEMPLATE_STRICT_MODE", true),
		// No dedicated env key for the condition evaluator's timeout: it
		// shares the template render budget since both run the same CEL
		// dialect against the same execution context.
		ConditionTimeout:   millis("TEMPLATE_RENDER_TIMEOUT_MS", 2*time.Second),
		ConditionCostLimit: 500,

		MaxConcurrentNodes: env.GetInt("MAX_PARALLEL_ACTIONS", 16),

		CatalogRefreshInterval: millis("CATALOG_REFRESH_INTERVAL_MS", 5*time.Minute),

		AllowDraftExecution: env.GetBool("ALLOW_DRAFT_EXECUTION", false),

		AdminAPIKey: env.GetString("API_KEY", ""),
	}
}
