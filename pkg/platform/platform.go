package platform

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/txn2/pairtalk/pkg/audit"
	auditpg "github.com/txn2/pairtalk/pkg/audit/postgres"
	"github.com/txn2/pairtalk/pkg/auth"
	"github.com/txn2/pairtalk/pkg/database/migrate"
	"github.com/txn2/pairtalk/pkg/facilitator"
	"github.com/txn2/pairtalk/pkg/gateway"
	"github.com/txn2/pairtalk/pkg/health"
	"github.com/txn2/pairtalk/pkg/longpoll"
	"github.com/txn2/pairtalk/pkg/message"
	messagepg "github.com/txn2/pairtalk/pkg/message/postgres"
	"github.com/txn2/pairtalk/pkg/safety"
	"github.com/txn2/pairtalk/pkg/session"
	sessionpg "github.com/txn2/pairtalk/pkg/session/postgres"
	"github.com/txn2/pairtalk/pkg/turn"
)

// relay is a notifier that also shares appends with other replicas.
type relay interface {
	turn.Notifier
	Start(ctx context.Context) error
	Close() error
}

// Platform is the assembled service.
type Platform struct {
	config    *Config
	lifecycle *Lifecycle

	// Persistence
	db       *sql.DB
	sessions session.Store
	messages message.Store

	// Audit
	auditLogger audit.Logger
	auditStore  *auditpg.Store

	// Concurrency core
	gate   *safety.Gate
	broker *longpoll.Broker
	relay  relay
	redis  redis.UniversalClient
	engine *turn.Engine
	runner *facilitator.Runner

	// Surface
	authenticator auth.Authenticator
	gateway       *gateway.Handler
	health        *health.Checker
}

// New creates a new platform instance. Nothing is started until Start.
func New(opts ...Option) (*Platform, error) {
	options := &Options{}
	for _, opt := range opts {
		opt(options)
	}

	if options.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	applyDefaults(options.Config)
	if err := options.Config.Validate(); err != nil {
		return nil, err
	}

	p := &Platform{
		config:    options.Config,
		lifecycle: NewLifecycle(),
		health:    health.NewChecker(),
	}

	if err := p.initializeComponents(options); err != nil {
		if abortErr := p.lifecycle.Abort(context.Background()); abortErr != nil {
			slog.Warn("releasing partially built platform", "error", abortErr)
		}
		return nil, fmt.Errorf("initializing components: %w", err)
	}

	return p, nil
}

// initializeComponents builds components in dependency order and registers
// their lifecycle hooks. Hooks stop in reverse, so the broker releases its
// waiters before the engine and stores go away.
func (p *Platform) initializeComponents(opts *Options) error {
	if err := p.initStores(opts); err != nil {
		return err
	}
	if err := p.initAudit(opts); err != nil {
		return err
	}
	if err := p.initGate(opts); err != nil {
		return err
	}
	if err := p.initBroker(opts); err != nil {
		return err
	}
	if err := p.initEngine(); err != nil {
		return err
	}
	if err := p.initFacilitator(opts); err != nil {
		return err
	}
	if err := p.initAuth(opts); err != nil {
		return err
	}
	p.finalizeSetup()
	return nil
}

// initStores opens the database when configured and builds both stores.
func (p *Platform) initStores(opts *Options) error {
	p.db = opts.DB
	if p.db == nil && p.config.Database.DSN != "" {
		db, err := sql.Open("postgres", p.config.Database.DSN)
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		db.SetMaxOpenConns(p.config.Database.MaxOpenConns)
		p.db = db
		p.lifecycle.RegisterCloser("database", db)
	}

	if p.db != nil {
		db := p.db
		p.health.AddProbe("database", db.PingContext)
		if p.config.Database.Migrate != nil && *p.config.Database.Migrate {
			p.lifecycle.OnStart("migrations", func(_ context.Context) error {
				return migrate.Run(db)
			})
		}
	}

	p.sessions = opts.SessionStore
	if p.sessions == nil {
		if p.db != nil {
			p.sessions = sessionpg.New(p.db)
		} else {
			p.sessions = session.NewMemoryStore()
		}
	}
	p.messages = opts.MessageStore
	if p.messages == nil {
		if p.db != nil {
			p.messages = messagepg.New(p.db)
		} else {
			p.messages = message.NewMemoryStore()
		}
	}
	p.lifecycle.RegisterCloser("session store", p.sessions)
	p.lifecycle.RegisterCloser("message store", p.messages)
	return nil
}

// initAudit builds the audit sink behind a buffer so admission never
// waits on it.
func (p *Platform) initAudit(opts *Options) error {
	if opts.AuditLogger != nil {
		p.auditLogger = opts.AuditLogger
		p.lifecycle.RegisterCloser("audit", p.auditLogger)
		return nil
	}
	if !p.config.Audit.Enabled {
		p.auditLogger = audit.NoopLogger{}
		return nil
	}

	var sink audit.Logger
	switch p.config.Audit.Sink {
	case AuditSinkPostgres:
		if p.db == nil {
			return errors.New("postgres audit sink requires a database")
		}
		p.auditStore = auditpg.New(p.db, auditpg.Config{RetentionDays: p.config.Audit.RetentionDays})
		store, interval := p.auditStore, p.config.Audit.CleanupInterval
		p.lifecycle.OnStart("audit cleanup", func(_ context.Context) error {
			store.StartCleanupRoutine(interval)
			return nil
		})
		sink = p.auditStore
	default:
		sink = audit.NewSlogLogger(slog.Default())
	}

	buffered := audit.NewBuffered(sink, p.config.Audit.BufferSize)
	p.health.AddInfo("audit", func() any {
		return map[string]any{"sink": p.config.Audit.Sink, "dropped": buffered.Dropped()}
	})
	p.auditLogger = buffered
	p.lifecycle.RegisterCloser("audit", buffered)
	return nil
}

// initGate builds the classifier and wraps it with the fail policy.
func (p *Platform) initGate(opts *Options) error {
	cfg := p.config.Safety

	classifier := opts.Classifier
	if classifier == nil {
		var err error
		if classifier, err = createClassifier(cfg); err != nil {
			return fmt.Errorf("creating classifier: %w", err)
		}
	}

	gate, err := safety.NewGate(classifier, safety.GateConfig{
		FailPolicy:    cfg.FailPolicy,
		MinConfidence: cfg.MinConfidence,
		Timeout:       cfg.Timeout,
		Resources:     cfg.Resources,
	})
	if err != nil {
		return fmt.Errorf("creating safety gate: %w", err)
	}
	p.gate = gate
	return nil
}

func createClassifier(cfg SafetyConfig) (safety.Classifier, error) {
	if cfg.Classifier == ClassifierHTTP {
		return safety.NewHTTPClassifier(safety.HTTPClassifierConfig{
			URL:     cfg.HTTP.URL,
			Token:   cfg.HTTP.Token,
			Timeout: cfg.HTTP.Timeout,
		})
	}

	rs := safety.DefaultRuleSet()
	if cfg.RulesFile != "" {
		var err error
		if rs, err = safety.LoadRuleSet(cfg.RulesFile); err != nil {
			return nil, err
		}
	}
	return safety.NewPatternClassifier(rs)
}

// initBroker builds the long-poll broker and, when configured, the relay
// that carries append notifications to other replicas.
func (p *Platform) initBroker(opts *Options) error {
	p.broker = longpoll.NewBroker(longpoll.Config{MaxWait: p.config.LongPoll.MaxWait})
	p.health.AddInfo("longpoll", func() any { return p.broker.Stats() })

	switch p.config.Relay.Type {
	case RelayRedis:
		client := opts.RedisClient
		if client == nil {
			client = redis.NewUniversalClient(&redis.UniversalOptions{
				Addrs:    p.config.Relay.Redis.Addrs,
				Password: p.config.Relay.Redis.Password,
				DB:       p.config.Relay.Redis.DB,
			})
			p.lifecycle.RegisterCloser("redis", client)
		}
		p.redis = client
		p.health.AddProbe("redis", func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		})
		p.relay = longpoll.NewRedisRelay(client, p.broker, p.config.Relay.Channel)
	case RelayPostgres:
		if p.db == nil || p.config.Database.DSN == "" {
			return errors.New("postgres relay requires database.dsn")
		}
		p.relay = longpoll.NewPostgresRelay(p.db, p.config.Database.DSN, p.broker, p.config.Relay.Channel)
	}

	if p.relay != nil {
		r := p.relay
		p.lifecycle.Append(Hook{
			Name:  "relay",
			Start: r.Start,
			Stop:  func(_ context.Context) error { return r.Close() },
		})
	}
	return nil
}

// initEngine builds the turn engine on top of the stores, gate and
// notifier.
func (p *Platform) initEngine() error {
	var notifier turn.Notifier = p.broker
	if p.relay != nil {
		notifier = p.relay
	}

	engine, err := turn.New(turn.Config{
		Sessions:        p.sessions,
		Messages:        p.messages,
		Gate:            p.gate,
		Audit:           p.auditLogger,
		Notifier:        notifier,
		DefaultCadence:  p.config.Turns.DefaultCadence,
		MaxContentBytes: p.config.Turns.MaxContentBytes,
		IdleTimeout:     p.config.Turns.IdleTimeout,
	})
	if err != nil {
		return fmt.Errorf("creating turn engine: %w", err)
	}
	p.engine = engine
	p.health.AddInfo("engine", func() any {
		return map[string]int{"loaded_sessions": engine.Loaded()}
	})

	interval := p.config.Turns.EvictionInterval
	p.lifecycle.Append(Hook{
		Name: "engine",
		Start: func(_ context.Context) error {
			engine.StartEvictionRoutine(interval)
			return nil
		},
		Stop: func(_ context.Context) error { return engine.Close() },
	})
	return nil
}

// initFacilitator wires the built-in AI turn runner to the engine hook.
func (p *Platform) initFacilitator(opts *Options) error {
	cfg := p.config.Facilitator
	if !cfg.Enabled {
		return nil
	}

	responder := opts.Responder
	if responder == nil {
		if cfg.Responder == ResponderHTTP {
			r, err := facilitator.NewHTTPResponder(facilitator.HTTPResponderConfig{
				URL:     cfg.HTTP.URL,
				Token:   cfg.HTTP.Token,
				Timeout: cfg.HTTP.Timeout,
			})
			if err != nil {
				return fmt.Errorf("creating responder: %w", err)
			}
			responder = r
		} else {
			responder = facilitator.ScriptedResponder{}
		}
	}

	runner, err := facilitator.NewRunner(facilitator.RunnerConfig{
		Engine:    p.engine,
		Messages:  p.messages,
		Responder: responder,
		Workers:   cfg.Workers,
		QueueSize: cfg.QueueSize,
		History:   cfg.History,
		Attempts:  cfg.Attempts,
		Backoff:   cfg.Backoff,
		Timeout:   cfg.Timeout,
		Fallback:  cfg.Fallback,
	})
	if err != nil {
		return fmt.Errorf("creating facilitator runner: %w", err)
	}
	p.runner = runner
	p.engine.OnAITurn(runner.Enqueue)
	p.health.AddInfo("facilitator", func() any {
		return map[string]uint64{"posted": runner.Posted(), "dropped": runner.Dropped()}
	})

	p.lifecycle.Append(Hook{
		Name: "facilitator",
		Start: func(_ context.Context) error {
			runner.Start()
			return nil
		},
		Stop: func(_ context.Context) error { return runner.Close() },
	})
	return nil
}

// initAuth builds the authenticator chain when authentication is enabled.
func (p *Platform) initAuth(opts *Options) error {
	if opts.Authenticator != nil {
		p.authenticator = opts.Authenticator
		return nil
	}
	if !p.config.Auth.Enabled {
		return nil
	}

	var chain []auth.Authenticator
	if key := p.config.Auth.JWT.SigningKey; key != "" {
		jwtAuth, err := auth.NewJWTAuthenticator(auth.JWTConfig{
			Issuer:     p.config.Auth.JWT.Issuer,
			SigningKey: []byte(key),
			Leeway:     p.config.Auth.JWT.Leeway,
		})
		if err != nil {
			return fmt.Errorf("creating jwt authenticator: %w", err)
		}
		chain = append(chain, jwtAuth)
	}
	if len(p.config.Auth.APIKeys.Keys) > 0 {
		keyAuth, err := auth.NewAPIKeyAuthenticator(p.config.Auth.APIKeys)
		if err != nil {
			return fmt.Errorf("creating api key authenticator: %w", err)
		}
		chain = append(chain, keyAuth)
	}

	p.authenticator = auth.NewChainedAuthenticator(
		auth.ChainedAuthConfig{AllowAnonymous: p.config.Auth.AllowAnonymous},
		chain...,
	)
	return nil
}

// finalizeSetup builds the gateway and registers the shutdown hooks that
// must run first.
func (p *Platform) finalizeSetup() {
	var authMiddle func(http.Handler) http.Handler
	if p.authenticator != nil {
		authMiddle = auth.Middleware(p.authenticator)
	}

	var (
		auditQuery  audit.Logger
		auditCounts audit.Counter
	)
	if _, noop := p.auditLogger.(audit.NoopLogger); !noop {
		auditQuery = p.auditLogger
	}
	if c, ok := p.auditLogger.(audit.Counter); ok {
		auditCounts = c
	} else if p.auditStore != nil {
		auditCounts = p.auditStore
	}

	p.gateway = gateway.NewHandler(gateway.Deps{
		Engine:      p.engine,
		Messages:    p.messages,
		Waiter:      p.broker,
		Audit:       auditQuery,
		AuditCounts: auditCounts,
		Authorize:   p.authenticator != nil,
	}, authMiddle)

	p.lifecycle.OnStop("longpoll", func(_ context.Context) error {
		return p.broker.Close()
	})
	p.lifecycle.Append(Hook{
		Name: "readiness",
		Start: func(_ context.Context) error {
			p.health.SetReady()
			return nil
		},
		Stop: func(_ context.Context) error {
			p.health.SetDraining()
			return nil
		},
	})
}

// Start starts the platform.
func (p *Platform) Start(ctx context.Context) error {
	return p.lifecycle.Start(ctx)
}

// Drain marks the service not ready and releases every long-poll waiter
// with an empty result, so in-flight reads finish before the HTTP server
// shuts down.
func (p *Platform) Drain() {
	p.health.SetDraining()
	_ = p.broker.Close()
}

// Stop stops the platform.
func (p *Platform) Stop(ctx context.Context) error {
	return p.lifecycle.Stop(ctx)
}

// Handler returns the HTTP surface: the session API plus health probes.
func (p *Platform) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/api/", p.gateway)
	mux.Handle("GET /healthz", p.health.LivenessHandler())
	mux.Handle("GET /readyz", p.health.ReadinessHandler())
	return mux
}

// Config returns the platform configuration.
func (p *Platform) Config() *Config {
	return p.config
}

// Engine returns the turn engine.
func (p *Platform) Engine() *turn.Engine {
	return p.engine
}

// Broker returns the long-poll broker.
func (p *Platform) Broker() *longpoll.Broker {
	return p.broker
}

// Health returns the health checker.
func (p *Platform) Health() *health.Checker {
	return p.health
}

// AuditLogger returns the audit logger.
func (p *Platform) AuditLogger() audit.Logger {
	return p.auditLogger
}
