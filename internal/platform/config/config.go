package config

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
	// Weekend time zones must resolve on hosts without a zoneinfo database.
	_ "time/tzdata"
)

const (
	defaultEnvFile           = ".env"
	defaultPort              = "8080"
	defaultReadTimeout       = 15 * time.Second
	defaultWriteTimeout      = 30 * time.Second
	defaultIdleTimeout       = 120 * time.Second
	defaultEnvironment       = "local"
	defaultStoreBackend      = StoreBackendMemory
	defaultOracleTimeout     = 10 * time.Second
	defaultSessionTTL        = 30 * time.Minute
	defaultCleanupInterval   = time.Minute
	defaultTriviaStartDelay  = 3 * time.Second
	defaultTriviaTimeout     = 7 * time.Second
	defaultMaxStockpileWeeks = 8
	defaultWeekendTimeZone   = "Africa/Lagos"
)

// Store backends.
const (
	StoreBackendMemory    = "memory"
	StoreBackendFirestore = "firestore"
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Environment string
	Server      ServerConfig
	Firebase    FirebaseConfig
	Firestore   FirestoreConfig
	PubSub      PubSubConfig
	Store       StoreConfig
	Oracles     OracleConfig
	Sessions    SessionConfig
	Trivia      TriviaConfig
	Pricing     PricingConfig
	Features    FeatureFlags
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// FirebaseConfig stores Firebase project settings used for ID token verification.
type FirebaseConfig struct {
	ProjectID       string
	CredentialsFile string
}

// FirestoreConfig stores database parameters.
type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
}

// PubSubConfig configures checkout event publishing. An empty topic disables publishing.
type PubSubConfig struct {
	ProjectID           string
	CheckoutEventsTopic string
}

// StoreConfig selects where vendor, stockpile and disclaimer records are read from.
type StoreConfig struct {
	Backend string
}

// OracleConfig points at the remote pricing and reward oracles. Empty URLs select local fallbacks.
type OracleConfig struct {
	PricingURL string
	RewardURL  string
	APIKey     string
	Timeout    time.Duration
}

// SessionConfig controls in-memory checkout session lifetime.
type SessionConfig struct {
	TTL             time.Duration
	CleanupInterval time.Duration
}

// TriviaConfig sets the trivia countdowns.
type TriviaConfig struct {
	StartDelay      time.Duration
	QuestionTimeout time.Duration
}

// PricingConfig holds local pricing parameters.
type PricingConfig struct {
	MaxStockpileWeeks int
	RegionTablePath   string
	WeekendTimeZone   string
}

// FeatureFlags toggle optional behaviour without redeploying.
type FeatureFlags struct {
	EnableTrivia    bool
	EnableStockpile bool
	RequireAuth     bool
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

// MissingSecretsError indicates that one or more required secrets resolved to empty values.
type MissingSecretsError struct {
	names []string
}

// Error implements the error interface.
func (e *MissingSecretsError) Error() string {
	return fmt.Sprintf("missing required secrets [%s]", strings.Join(e.RedactedNames(), ", "))
}

// Names returns the secret field names.
func (e *MissingSecretsError) Names() []string {
	out := append([]string(nil), e.names...)
	sort.Strings(out)
	return out
}

// RedactedNames returns hashed secret field names safe for logs.
func (e *MissingSecretsError) RedactedNames() []string {
	out := make([]string, 0, len(e.names))
	for _, name := range e.names {
		sum := sha256.Sum256([]byte(name))
		out = append(out, hex.EncodeToString(sum[:8]))
	}
	sort.Strings(out)
	return out
}

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile         string
	envMap          map[string]string
	useSystemEnv    bool
	secret          SecretResolver
	requiredSecrets []string
}

// WithEnvFile overrides the .env file path used for local overrides.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) {
		o.envFile = path
	}
}

// WithEnvMap injects explicit values that take precedence over the process environment.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) {
		o.envMap = values
	}
}

// WithoutSystemEnv disables reading from the process environment.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) {
		o.useSystemEnv = false
	}
}

// WithSecretResolver sets the resolver used for secret:// and sm:// references.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) {
		o.secret = resolver
	}
}

// WithRequiredSecrets marks config fields (e.g. "Oracles.APIKey") that must resolve to a value.
func WithRequiredSecrets(names ...string) Option {
	return func(o *loaderOptions) {
		o.requiredSecrets = append(o.requiredSecrets, names...)
	}
}

// Load assembles configuration from defaults, .env overrides, environment variables and secret references.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
	}
	for _, opt := range opts {
		opt(&options)
	}

	lookup, err := newLookup(options)
	if err != nil {
		return Config{}, err
	}

	environment := strings.ToLower(stringWithDefault(lookup, "CHECKOUT_ENVIRONMENT", defaultEnvironment))
	cfg := Config{
		Environment: environment,
		Server: ServerConfig{
			Port:         stringWithDefault(lookup, "CHECKOUT_SERVER_PORT", defaultPort),
			ReadTimeout:  durationWithDefault(lookup, "CHECKOUT_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout: durationWithDefault(lookup, "CHECKOUT_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:  durationWithDefault(lookup, "CHECKOUT_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
		},
		Firebase: FirebaseConfig{
			ProjectID:       stringWithDefault(lookup, "CHECKOUT_FIREBASE_PROJECT_ID", ""),
			CredentialsFile: stringWithDefault(lookup, "CHECKOUT_FIREBASE_CREDENTIALS_FILE", ""),
		},
		Firestore: FirestoreConfig{
			ProjectID:    stringWithDefault(lookup, "CHECKOUT_FIRESTORE_PROJECT_ID", ""),
			EmulatorHost: stringWithDefault(lookup, "CHECKOUT_FIRESTORE_EMULATOR_HOST", ""),
		},
		PubSub: PubSubConfig{
			ProjectID:           stringWithDefault(lookup, "CHECKOUT_PUBSUB_PROJECT_ID", ""),
			CheckoutEventsTopic: stringWithDefault(lookup, "CHECKOUT_PUBSUB_EVENTS_TOPIC", ""),
		},
		Store: StoreConfig{
			Backend: strings.ToLower(stringWithDefault(lookup, "CHECKOUT_STORE_BACKEND", defaultStoreBackend)),
		},
		Oracles: OracleConfig{
			PricingURL: stringWithDefault(lookup, "CHECKOUT_PRICING_ORACLE_URL", ""),
			RewardURL:  stringWithDefault(lookup, "CHECKOUT_REWARD_ORACLE_URL", ""),
			APIKey:     stringWithDefault(lookup, "CHECKOUT_ORACLE_API_KEY", ""),
			Timeout:    durationWithDefault(lookup, "CHECKOUT_ORACLE_TIMEOUT", defaultOracleTimeout),
		},
		Sessions: SessionConfig{
			TTL:             durationWithDefault(lookup, "CHECKOUT_SESSION_TTL", defaultSessionTTL),
			CleanupInterval: durationWithDefault(lookup, "CHECKOUT_SESSION_CLEANUP_INTERVAL", defaultCleanupInterval),
		},
		Trivia: TriviaConfig{
			StartDelay:      durationWithDefault(lookup, "CHECKOUT_TRIVIA_START_DELAY", defaultTriviaStartDelay),
			QuestionTimeout: durationWithDefault(lookup, "CHECKOUT_TRIVIA_QUESTION_TIMEOUT", defaultTriviaTimeout),
		},
		Pricing: PricingConfig{
			MaxStockpileWeeks: intWithDefault(lookup, "CHECKOUT_MAX_STOCKPILE_WEEKS", defaultMaxStockpileWeeks),
			RegionTablePath:   stringWithDefault(lookup, "CHECKOUT_REGION_TABLE_PATH", ""),
			WeekendTimeZone:   stringWithDefault(lookup, "CHECKOUT_WEEKEND_TIMEZONE", defaultWeekendTimeZone),
		},
		Features: FeatureFlags{
			EnableTrivia:    boolWithDefault(lookup, "CHECKOUT_FEATURE_TRIVIA", true),
			EnableStockpile: boolWithDefault(lookup, "CHECKOUT_FEATURE_STOCKPILE", true),
			RequireAuth:     boolWithDefault(lookup, "CHECKOUT_REQUIRE_AUTH", environment != defaultEnvironment),
		},
	}

	// Firestore and Pub/Sub default to the Firebase project.
	if cfg.Firestore.ProjectID == "" {
		cfg.Firestore.ProjectID = cfg.Firebase.ProjectID
	}
	if cfg.PubSub.ProjectID == "" {
		cfg.PubSub.ProjectID = cfg.Firestore.ProjectID
	}

	resolved := make(map[string]string)
	secretFields := []struct {
		name  string
		field *string
	}{
		{"Oracles.APIKey", &cfg.Oracles.APIKey},
	}
	for _, target := range secretFields {
		value, err := resolveSecret(ctx, *target.field, options.secret)
		if err != nil {
			return Config{}, err
		}
		*target.field = value
		resolved[target.name] = strings.TrimSpace(value)
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	if missing := findMissingSecrets(options.requiredSecrets, resolved); missing != nil {
		return Config{}, missing
	}
	return cfg, nil
}

func newLookup(options loaderOptions) (func(string) (string, bool), error) {
	dotEnv, err := loadDotEnv(options.envFile)
	if err != nil {
		return nil, err
	}
	return func(key string) (string, bool) {
		if value, ok := options.envMap[key]; ok {
			return value, true
		}
		if options.useSystemEnv {
			if value, ok := os.LookupEnv(key); ok {
				return value, true
			}
		}
		value, ok := dotEnv[key]
		return value, ok
	}, nil
}

func resolveSecret(ctx context.Context, value string, resolver SecretResolver) (string, error) {
	if !isSecretReference(value) {
		return value, nil
	}
	ref := normalizeSecretReference(value)
	if resolver == nil {
		return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
	}
	secret, err := resolver.ResolveSecret(ctx, ref)
	if err != nil {
		return "", &SecretError{Ref: ref, Err: err}
	}
	return secret, nil
}

func validateConfig(cfg Config) error {
	var invalid []string

	if cfg.Server.Port == "" {
		invalid = append(invalid, "Server.Port")
	}
	switch cfg.Store.Backend {
	case StoreBackendMemory:
	case StoreBackendFirestore:
		if cfg.Firestore.ProjectID == "" {
			invalid = append(invalid, "Firestore.ProjectID")
		}
	default:
		invalid = append(invalid, "Store.Backend")
	}
	if cfg.Features.RequireAuth && cfg.Firebase.ProjectID == "" {
		invalid = append(invalid, "Firebase.ProjectID")
	}
	if cfg.PubSub.CheckoutEventsTopic != "" && cfg.PubSub.ProjectID == "" {
		invalid = append(invalid, "PubSub.ProjectID")
	}
	if cfg.Oracles.Timeout <= 0 {
		invalid = append(invalid, "Oracles.Timeout")
	}
	if cfg.Sessions.TTL <= 0 {
		invalid = append(invalid, "Sessions.TTL")
	}
	if cfg.Sessions.CleanupInterval <= 0 {
		invalid = append(invalid, "Sessions.CleanupInterval")
	}
	if cfg.Trivia.StartDelay < 0 {
		invalid = append(invalid, "Trivia.StartDelay")
	}
	if cfg.Trivia.QuestionTimeout <= 0 {
		invalid = append(invalid, "Trivia.QuestionTimeout")
	}
	if cfg.Pricing.MaxStockpileWeeks <= 0 {
		invalid = append(invalid, "Pricing.MaxStockpileWeeks")
	}
	if _, err := time.LoadLocation(cfg.Pricing.WeekendTimeZone); err != nil {
		invalid = append(invalid, "Pricing.WeekendTimeZone")
	}

	if len(invalid) > 0 {
		return &ValidationError{fields: invalid}
	}
	return nil
}

func findMissingSecrets(required []string, resolved map[string]string) *MissingSecretsError {
	var missing []string
	seen := make(map[string]struct{})
	for _, name := range required {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		if resolved[name] == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return &MissingSecretsError{names: missing}
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

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		values[key] = strings.Trim(strings.TrimSpace(value), "\"'")
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: failed parsing %s: %w", absPath, err)
	}
	return values, nil
}

func stringWithDefault(lookup func(string) (string, bool), key, fallback string) string {
	if value, ok := lookup(key); ok && strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func durationWithDefault(lookup func(string) (string, bool), key string, fallback time.Duration) time.Duration {
	if value, ok := lookup(key); ok && value != "" {
		if d, err := time.ParseDuration(strings.TrimSpace(value)); err == nil {
			return d
		}
	}
	return fallback
}

func intWithDefault(lookup func(string) (string, bool), key string, fallback int) int {
	if value, ok := lookup(key); ok && value != "" {
		if parsed, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return parsed
		}
	}
	return fallback
}

func boolWithDefault(lookup func(string) (string, bool), key string, fallback bool) bool {
	if value, ok := lookup(key); ok && value != "" {
		switch strings.ToLower(strings.TrimSpace(value)) {
		case "true", "1", "yes", "on":
			return true
		case "false", "0", "no", "off":
			return false
		}
	}
	return fallback
}
