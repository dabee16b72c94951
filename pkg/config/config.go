package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App          AppConfig
	Service      ServiceConfig
	DB           DBConfig
	Redis        RedisConfig
	JWT          JWTConfig
	FeatureFlags FeatureFlagsConfig
	Eventing     EventingConfig
	GCP          GCPConfig
	PubSub       PubSubConfig
	Outbox       OutboxConfig
	Affiliate    AffiliateConfig
	Cron         CronConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(cfg.FeatureFlags.UseSQLite); err != nil {
		return nil, err
	}
	if err := cfg.Affiliate.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"AFFILIATE_APP_ENV" required:"true"`
	Port         string `envconfig:"AFFILIATE_APP_PORT" default:"8080"`
	LogLevel     string `envconfig:"AFFILIATE_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"AFFILIATE_LOG_WARN_STACK" default:"false"`

	CORSOrigins []string `envconfig:"AFFILIATE_CORS_ALLOWED_ORIGINS" default:"http://localhost:3000"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd) || strings.EqualFold(a.Env, "production")
}

type ServiceConfig struct {
	Kind string `envconfig:"AFFILIATE_SERVICE_KIND" default:"api"`
}

type DBConfig struct {
	DSN    string `envconfig:"AFFILIATE_DB_DSN"`
	Driver string `envconfig:"AFFILIATE_DB_DRIVER" default:"postgres"`

	Host     string `envconfig:"AFFILIATE_DB_HOST"`
	Port     int    `envconfig:"AFFILIATE_DB_PORT" default:"5432"`
	User     string `envconfig:"AFFILIATE_DB_USER"`
	Password string `envconfig:"AFFILIATE_DB_PASSWORD"`
	Name     string `envconfig:"AFFILIATE_DB_NAME"`
	SSLMode  string `envconfig:"AFFILIATE_DB_SSLMODE" default:"disable"`

	SQLitePath string `envconfig:"AFFILIATE_SQLITE_PATH" default:"affiliate.db"`

	MaxOpenConns    int           `envconfig:"AFFILIATE_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"AFFILIATE_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"AFFILIATE_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"AFFILIATE_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

type RedisConfig struct {
	URL          string        `envconfig:"AFFILIATE_REDIS_URL" required:"true"`
	Address      string        `envconfig:"AFFILIATE_REDIS_ADDR"`
	Password     string        `envconfig:"AFFILIATE_REDIS_PASSWORD"`
	DB           int           `envconfig:"AFFILIATE_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"AFFILIATE_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"AFFILIATE_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"AFFILIATE_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"AFFILIATE_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"AFFILIATE_REDIS_WRITE_TIMEOUT" default:"5s"`
}

type JWTConfig struct {
	Secret            string `envconfig:"AFFILIATE_JWT_SECRET" required:"true"`
	Issuer            string `envconfig:"AFFILIATE_JWT_ISSUER" required:"true"`
	ExpirationMinutes int    `envconfig:"AFFILIATE_JWT_EXPIRATION_MINUTES" default:"60"`
}

// TokenTTL returns the access token lifetime.
func (j JWTConfig) TokenTTL() time.Duration {
	if j.ExpirationMinutes <= 0 {
		return 0
	}
	return time.Duration(j.ExpirationMinutes) * time.Minute
}

type FeatureFlagsConfig struct {
	UseSQLite   bool `envconfig:"AFFILIATE_USE_SQLITE" default:"false"`
	AutoMigrate bool `envconfig:"AFFILIATE_AUTO_MIGRATE" default:"false"`
}

type EventingConfig struct {
	OutboxIdempotencyTTL time.Duration `envconfig:"AFFILIATE_EVENTING_IDEMPOTENCY_TTL" default:"720h"`
}

type GCPConfig struct {
	ProjectID              string `envconfig:"AFFILIATE_GCP_PROJECT_ID"`
	CredentialsJSON        string `envconfig:"AFFILIATE_GCP_CREDENTIALS_JSON"`
	ApplicationCredentials string `envconfig:"AFFILIATE_GOOGLE_APPLICATION_CREDENTIALS"`
}

type PubSubConfig struct {
	AffiliateTopic        string `envconfig:"AFFILIATE_PUBSUB_AFFILIATE_TOPIC" default:"affiliate-events"`
	PurchasesSubscription string `envconfig:"AFFILIATE_PUBSUB_PURCHASES_SUBSCRIPTION" default:"affiliate-purchases"`
}

type OutboxConfig struct {
	BatchSize      int           `envconfig:"AFFILIATE_OUTBOX_PUBLISH_BATCH_SIZE" default:"50"`
	PollIntervalMS int           `envconfig:"AFFILIATE_OUTBOX_PUBLISH_POLL_MS" default:"500"`
	MaxAttempts    int           `envconfig:"AFFILIATE_OUTBOX_MAX_ATTEMPTS" default:"10"`
	Retention      time.Duration `envconfig:"AFFILIATE_OUTBOX_RETENTION" default:"720h"`
}

// AffiliateConfig holds the attribution knobs.
type AffiliateConfig struct {
	DedupWindow              time.Duration `envconfig:"AFFILIATE_CLICK_DEDUP_WINDOW" default:"30s"`
	DefaultAttributionDays   int           `envconfig:"AFFILIATE_ATTRIBUTION_WINDOW_DAYS" default:"30"`
	ClickRateLimit           int           `envconfig:"AFFILIATE_CLICK_RATE_LIMIT" default:"60"`
	ClickRateLimitWindow     time.Duration `envconfig:"AFFILIATE_CLICK_RATE_LIMIT_WINDOW" default:"1m"`
	IdempotencyTTL           time.Duration `envconfig:"AFFILIATE_HTTP_IDEMPOTENCY_TTL" default:"24h"`
	AutoRepairReconciliation bool          `envconfig:"AFFILIATE_RECONCILE_AUTO_REPAIR" default:"false"`
}

// DefaultAttributionWindow returns the window applied to links without their own setting.
func (a AffiliateConfig) DefaultAttributionWindow() time.Duration {
	return time.Duration(a.DefaultAttributionDays) * 24 * time.Hour
}

func (a AffiliateConfig) validate() error {
	if a.DedupWindow < 0 {
		return fmt.Errorf("%s must not be negative", EnvClickDedupWindow)
	}
	if a.DefaultAttributionDays <= 0 {
		return fmt.Errorf("%s must be positive", EnvAttributionWindowDays)
	}
	return nil
}

type CronConfig struct {
	Interval time.Duration `envconfig:"AFFILIATE_CRON_INTERVAL" default:"1m"`
	LockTTL  time.Duration `envconfig:"AFFILIATE_CRON_LOCK_TTL" default:"5m"`
}

func (db *DBConfig) ensureDSN(useSQLite bool) error {
	if useSQLite {
		if db.DSN == "" {
			db.DSN = db.SQLitePath
		}
		db.Driver = DriverSQLite
		return nil
	}
	if db.DSN != "" {
		return nil
	}

	missing := []string{}
	values := map[string]string{
		EnvDBHost: db.Host,
		EnvDBUser: db.User,
		EnvDBName: db.Name,
	}
	for _, env := range discreteDBEnvVars {
		if values[env] == "" {
			missing = append(missing, env)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.User)
	if db.Password != "" {
		userInfo = url.UserPassword(db.User, db.Password)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.Host, db.Port),
		Path:   db.Name,
	}

	if db.SSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.SSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}
