package config

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	defaultEnvFile         = ".env"
	defaultNamespace       = "au.com.cmv.open-source.lorikeet"
	defaultStorageKey      = "cart-data"
	defaultStoreBackend    = "memory"
	defaultSQLitePath      = "cartsync.db"
	defaultPostgresTable   = "cartsync_slots"
	defaultPostgresChannel = "cartsync_slot_changes"
	defaultRedisChannel    = "cartsync:slot-changes"
	defaultFirestoreColl   = "cartsync_slots"
	defaultPubSubTopic     = "cartsync-slot-changes"
	defaultGCSPrefix       = "cartsync/"
	defaultShutdownTimeout = 5 * time.Second
)

// Backend names accepted by CARTSYNC_STORE and CARTSYNC_NOTIFIER.
const (
	BackendMemory    = "memory"
	BackendSQLite    = "sqlite"
	BackendPostgres  = "postgres"
	BackendRedis     = "redis"
	BackendFirestore = "firestore"
	BackendPubSub    = "pubsub"
	BackendGCS       = "gcs"
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Client    ClientConfig
	Storage   StorageConfig
	SQLite    SQLiteConfig
	Postgres  PostgresConfig
	Redis     RedisConfig
	Firestore FirestoreConfig
	PubSub    PubSubConfig
	GCS       GCSConfig
	Logging   LoggingConfig
}

// ClientConfig configures the cart client itself.
type ClientConfig struct {
	Endpoint        string
	CSRFToken       string
	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration
}

// StorageConfig selects where the shared snapshot slot lives and how peers hear about writes.
type StorageConfig struct {
	Namespace string
	Key       string
	Store     string
	Notifier  string
}

// SlotKey returns the namespaced key of the shared slot.
func (c StorageConfig) SlotKey() string {
	if c.Namespace == "" {
		return c.Key
	}
	return c.Namespace + "." + c.Key
}

// SQLiteConfig stores the database path for the sqlite store.
type SQLiteConfig struct {
	Path string
}

// PostgresConfig configures the postgres store and LISTEN/NOTIFY channel.
type PostgresConfig struct {
	DSN     string
	Table   string
	Channel string
}

// RedisConfig configures the redis store and pub/sub channel.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Channel  string
}

// FirestoreConfig stores database parameters.
type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
	Collection   string
}

// PubSubConfig configures the Pub/Sub notifier.
type PubSubConfig struct {
	ProjectID    string
	Topic        string
	EmulatorHost string
}

// GCSConfig configures the Cloud Storage store.
type GCSConfig struct {
	Bucket string
	Prefix string
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level string
}

// SecretResolver resolves references to external secrets (e.g. Secret Manager URIs).
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

// SecretResolverFunc adapts ordinary functions to SecretResolver.
type SecretResolverFunc func(context.Context, string) (string, error)

// ResolveSecret resolves the secret using the wrapped function.
func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// ValidationError is returned when required configuration fields are missing or invalid.
type ValidationError struct {
	fields []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the missing/invalid field list.
func (e *ValidationError) Fields() []string {
	out := make([]string, len(e.fields))
	copy(out, e.fields)
	return out
}

// SecretError describes failures while resolving a secret reference.
type SecretError struct {
	Ref string
	Err error
}

// Error implements the error interface.
func (e *SecretError) Error() string {
	return fmt.Sprintf("secret resolution failed for ref %q: %v", e.Ref, e.Err)
}

// Unwrap exposes the underlying error.
func (e *SecretError) Unwrap() error { return e.Err }

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile      string
	envMap       map[string]string
	useSystemEnv bool
	secret       SecretResolver
}

// WithEnvFile overrides the .env file path used for local overrides.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) {
		o.envFile = path
	}
}

// WithEnvMap injects an explicit key/value map for environment lookups. Values in the map
// take precedence over system environment variables.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) {
		o.envMap = values
	}
}

// WithoutSystemEnv disables reading from os.Getenv, relying only on provided maps and .env files.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) {
		o.useSystemEnv = false
	}
}

// WithSecretResolver sets a custom secret resolver used for secret:// and sm:// references.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) {
		o.secret = resolver
	}
}

// Load assembles the configuration by combining defaults, .env overrides, environment
// variables, explicit overrides and optional secret manager lookups.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
	}
	for _, opt := range opts {
		opt(&options)
	}

	dotEnvValues, err := loadDotEnv(options.envFile)
	if err != nil {
		return Config{}, err
	}

	lookup := func(key string) (string, bool) {
		if options.envMap != nil {
			if value, ok := options.envMap[key]; ok {
				return value, true
			}
		}
		if options.useSystemEnv {
			if value, ok := os.LookupEnv(key); ok {
				return value, true
			}
		}
		if dotEnvValues != nil {
			if value, ok := dotEnvValues[key]; ok {
				return value, true
			}
		}
		return "", false
	}

	cfg := Config{
		Client: ClientConfig{
			Endpoint:        stringWithDefault(lookup, "CARTSYNC_ENDPOINT", ""),
			CSRFToken:       stringWithDefault(lookup, "CARTSYNC_CSRF_TOKEN", ""),
			RequestTimeout:  durationWithDefault(lookup, "CARTSYNC_REQUEST_TIMEOUT", 0),
			ShutdownTimeout: durationWithDefault(lookup, "CARTSYNC_SHUTDOWN_TIMEOUT", defaultShutdownTimeout),
		},
		Storage: StorageConfig{
			Namespace: stringWithDefault(lookup, "CARTSYNC_NAMESPACE", defaultNamespace),
			Key:       stringWithDefault(lookup, "CARTSYNC_STORAGE_KEY", defaultStorageKey),
			Store:     strings.ToLower(stringWithDefault(lookup, "CARTSYNC_STORE", defaultStoreBackend)),
			Notifier:  strings.ToLower(stringWithDefault(lookup, "CARTSYNC_NOTIFIER", "")),
		},
		SQLite: SQLiteConfig{
			Path: stringWithDefault(lookup, "CARTSYNC_SQLITE_PATH", defaultSQLitePath),
		},
		Postgres: PostgresConfig{
			DSN:     stringWithDefault(lookup, "CARTSYNC_POSTGRES_DSN", ""),
			Table:   stringWithDefault(lookup, "CARTSYNC_POSTGRES_TABLE", defaultPostgresTable),
			Channel: stringWithDefault(lookup, "CARTSYNC_POSTGRES_CHANNEL", defaultPostgresChannel),
		},
		Redis: RedisConfig{
			Addr:     stringWithDefault(lookup, "CARTSYNC_REDIS_ADDR", ""),
			Password: stringWithDefault(lookup, "CARTSYNC_REDIS_PASSWORD", ""),
			DB:       intWithDefault(lookup, "CARTSYNC_REDIS_DB", 0),
			Channel:  stringWithDefault(lookup, "CARTSYNC_REDIS_CHANNEL", defaultRedisChannel),
		},
		Firestore: FirestoreConfig{
			ProjectID:    stringWithDefault(lookup, "CARTSYNC_FIRESTORE_PROJECT_ID", ""),
			EmulatorHost: stringWithDefault(lookup, "CARTSYNC_FIRESTORE_EMULATOR_HOST", ""),
			Collection:   stringWithDefault(lookup, "CARTSYNC_FIRESTORE_COLLECTION", defaultFirestoreColl),
		},
		PubSub: PubSubConfig{
			ProjectID:    stringWithDefault(lookup, "CARTSYNC_PUBSUB_PROJECT_ID", ""),
			Topic:        stringWithDefault(lookup, "CARTSYNC_PUBSUB_TOPIC", defaultPubSubTopic),
			EmulatorHost: stringWithDefault(lookup, "CARTSYNC_PUBSUB_EMULATOR_HOST", ""),
		},
		GCS: GCSConfig{
			Bucket: stringWithDefault(lookup, "CARTSYNC_GCS_BUCKET", ""),
			Prefix: stringWithDefault(lookup, "CARTSYNC_GCS_PREFIX", defaultGCSPrefix),
		},
		Logging: LoggingConfig{
			Level: stringWithDefault(lookup, "LOG_LEVEL", ""),
		},
	}

	// The notifier follows the store when the store can signal peers on its own.
	if cfg.Storage.Notifier == "" {
		cfg.Storage.Notifier = defaultNotifierFor(cfg.Storage.Store)
	}
	// Pub/Sub project defaults to the Firestore project when unspecified.
	if cfg.PubSub.ProjectID == "" {
		cfg.PubSub.ProjectID = cfg.Firestore.ProjectID
	}

	secretFields := []*string{
		&cfg.Client.CSRFToken,
		&cfg.Postgres.DSN,
		&cfg.Redis.Password,
	}
	for _, field := range secretFields {
		resolved, err := resolveSecret(ctx, *field, options.secret)
		if err != nil {
			return Config{}, err
		}
		*field = resolved
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func defaultNotifierFor(store string) string {
	switch store {
	case BackendPostgres, BackendRedis, BackendFirestore:
		return store
	case BackendSQLite, BackendGCS:
		return BackendPubSub
	default:
		return BackendMemory
	}
}

func resolveSecret(ctx context.Context, value string, resolver SecretResolver) (string, error) {
	if value == "" || !isSecretReference(value) {
		return value, nil
	}
	normalized := normalizeSecretReference(value)
	if resolver == nil {
		return "", &SecretError{Ref: normalized, Err: errSecretResolverNotConfigured}
	}
	secret, err := resolver.ResolveSecret(ctx, normalized)
	if err != nil {
		return "", &SecretError{Ref: normalized, Err: err}
	}
	return secret, nil
}

func validateConfig(cfg Config) error {
	var missing []string

	if strings.TrimSpace(cfg.Client.Endpoint) == "" {
		missing = append(missing, "Client.Endpoint")
	}
	if cfg.Client.RequestTimeout < 0 {
		missing = append(missing, "Client.RequestTimeout")
	}
	if strings.TrimSpace(cfg.Storage.Key) == "" {
		missing = append(missing, "Storage.Key")
	}

	switch cfg.Storage.Store {
	case BackendMemory:
	case BackendSQLite:
		if cfg.SQLite.Path == "" {
			missing = append(missing, "SQLite.Path")
		}
	case BackendPostgres:
		if cfg.Postgres.DSN == "" {
			missing = append(missing, "Postgres.DSN")
		}
	case BackendRedis:
		if cfg.Redis.Addr == "" {
			missing = append(missing, "Redis.Addr")
		}
	case BackendFirestore:
		if cfg.Firestore.ProjectID == "" {
			missing = append(missing, "Firestore.ProjectID")
		}
	case BackendGCS:
		if cfg.GCS.Bucket == "" {
			missing = append(missing, "GCS.Bucket")
		}
	default:
		missing = append(missing, "Storage.Store")
	}

	switch cfg.Storage.Notifier {
	case BackendMemory:
	case BackendPostgres:
		if cfg.Postgres.DSN == "" {
			missing = append(missing, "Postgres.DSN")
		}
	case BackendRedis:
		if cfg.Redis.Addr == "" {
			missing = append(missing, "Redis.Addr")
		}
	case BackendFirestore:
		if cfg.Firestore.ProjectID == "" {
			missing = append(missing, "Firestore.ProjectID")
		}
	case BackendPubSub:
		if cfg.PubSub.ProjectID == "" {
			missing = append(missing, "PubSub.ProjectID")
		}
		if cfg.PubSub.Topic == "" {
			missing = append(missing, "PubSub.Topic")
		}
	default:
		missing = append(missing, "Storage.Notifier")
	}

	if len(missing) > 0 {
		return &ValidationError{fields: dedupe(missing)}
	}
	return nil
}

func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := values[:0]
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func isSecretReference(value string) bool {
	trimmed := strings.TrimSpace(value)
	return strings.HasPrefix(trimmed, "secret://") || strings.HasPrefix(trimmed, "sm://")
}

func normalizeSecretReference(value string) string {
	trimmed := strings.TrimSpace(value)
	if strings.HasPrefix(trimmed, "sm://") {
		return "secret://" + strings.TrimPrefix(trimmed, "sm://")
	}
	return trimmed
}

// HasSecretReferences reports whether any of the raw values would need a resolver.
func HasSecretReferences(values map[string]string) bool {
	for _, key := range []string{"CARTSYNC_CSRF_TOKEN", "CARTSYNC_POSTGRES_DSN", "CARTSYNC_REDIS_PASSWORD"} {
		if isSecretReference(values[key]) {
			return true
		}
	}
	return false
}

// EnvironmentValues returns the effective key/value environment map after applying the same
// precedence rules as Load (dotenv < OS env < explicit env map).
func EnvironmentValues(opts ...Option) (map[string]string, error) {
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
	}
	for _, opt := range opts {
		opt(&options)
	}

	dotEnvValues, err := loadDotEnv(options.envFile)
	if err != nil {
		return nil, err
	}

	values := make(map[string]string)
	for key, value := range dotEnvValues {
		values[key] = value
	}
	if options.useSystemEnv {
		for _, entry := range os.Environ() {
			parts := strings.SplitN(entry, "=", 2)
			if len(parts) != 2 {
				continue
			}
			if key := strings.TrimSpace(parts[0]); key != "" {
				values[key] = parts[1]
			}
		}
	}
	for key, value := range options.envMap {
		values[key] = value
	}
	return values, nil
}

func loadDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		absPath = path
	}

	file, err := os.Open(absPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: unable to read %s: %w", absPath, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	values := make(map[string]string)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "export ") {
			line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		values[key] = strings.Trim(strings.TrimSpace(parts[1]), "\"'")
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: failed parsing %s: %w", absPath, err)
	}
	return values, nil
}

func stringWithDefault(lookup func(string) (string, bool), key, fallback string) string {
	if value, ok := lookup(key); ok && value != "" {
		return value
	}
	return fallback
}

func durationWithDefault(lookup func(string) (string, bool), key string, fallback time.Duration) time.Duration {
	if value, ok := lookup(key); ok && value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

func intWithDefault(lookup func(string) (string, bool), key string, fallback int) int {
	if value, ok := lookup(key); ok && value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}
