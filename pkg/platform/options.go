package platform

import (
	"database/sql"

	"github.com/redis/go-redis/v9"

	"github.com/txn2/pairtalk/pkg/audit"
	"github.com/txn2/pairtalk/pkg/auth"
	"github.com/txn2/pairtalk/pkg/facilitator"
	"github.com/txn2/pairtalk/pkg/message"
	"github.com/txn2/pairtalk/pkg/safety"
	"github.com/txn2/pairtalk/pkg/session"
)

// Options configures the platform.
type Options struct {
	// Config is the platform configuration.
	Config *Config

	// Database connection (optional, will be opened from config if not provided).
	DB *sql.DB

	// SessionStore (optional, will be created from config if not provided).
	SessionStore session.Store

	// MessageStore (optional, will be created from config if not provided).
	MessageStore message.Store

	// Classifier (optional, will be created from config if not provided).
	Classifier safety.Classifier

	// Responder (optional, will be created from config if not provided).
	Responder facilitator.Responder

	// Authenticator (optional, will be created from config if not provided).
	Authenticator auth.Authenticator

	// AuditLogger (optional, will be created from config if not provided).
	AuditLogger audit.Logger

	// RedisClient (optional, will be created from relay.redis if not provided).
	RedisClient redis.UniversalClient
}

// Option is a functional option for configuring the platform.
type Option func(*Options)

// WithConfig sets the configuration.
func WithConfig(cfg *Config) Option {
	return func(o *Options) {
		o.Config = cfg
	}
}

// WithDB sets the database connection.
func WithDB(db *sql.DB) Option {
	return func(o *Options) {
		o.DB = db
	}
}

// WithSessionStore sets the session store.
func WithSessionStore(store session.Store) Option {
	return func(o *Options) {
		o.SessionStore = store
	}
}

// WithMessageStore sets the message store.
func WithMessageStore(store message.Store) Option {
	return func(o *Options) {
		o.MessageStore = store
	}
}

// WithClassifier sets the safety classifier.
func WithClassifier(c safety.Classifier) Option {
	return func(o *Options) {
		o.Classifier = c
	}
}

// WithResponder sets the facilitator responder.
func WithResponder(r facilitator.Responder) Option {
	return func(o *Options) {
		o.Responder = r
	}
}

// WithAuthenticator sets the authenticator.
func WithAuthenticator(a auth.Authenticator) Option {
	return func(o *Options) {
		o.Authenticator = a
	}
}

// WithAuditLogger sets the audit logger.
func WithAuditLogger(l audit.Logger) Option {
	return func(o *Options) {
		o.AuditLogger = l
	}
}

// WithRedisClient sets the client used by the redis relay.
func WithRedisClient(c redis.UniversalClient) Option {
	return func(o *Options) {
		o.RedisClient = c
	}
}
