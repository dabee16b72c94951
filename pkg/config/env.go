package config

// EnvPrefix is handed to envconfig; field tags carry fully qualified names.
const EnvPrefix = "AFFILIATE"

const (
	AppEnvDev  = "dev"
	AppEnvProd = "prod"

	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

const (
	EnvAppEnv    = "AFFILIATE_APP_ENV"
	EnvPort      = "AFFILIATE_APP_PORT"
	EnvUseSQLite = "AFFILIATE_USE_SQLITE"

	EnvDBDSN  = "AFFILIATE_DB_DSN"
	EnvDBHost = "AFFILIATE_DB_HOST"
	EnvDBUser = "AFFILIATE_DB_USER"
	EnvDBName = "AFFILIATE_DB_NAME"

	EnvRedisURL = "AFFILIATE_REDIS_URL"

	EnvJWTSecret  = "AFFILIATE_JWT_SECRET"
	EnvJWTIssuer  = "AFFILIATE_JWT_ISSUER"
	EnvJWTExpMins = "AFFILIATE_JWT_EXPIRATION_MINUTES"

	EnvGCPProjectID = "AFFILIATE_GCP_PROJECT_ID"

	EnvPubSubAffiliateTopic = "AFFILIATE_PUBSUB_AFFILIATE_TOPIC"
	EnvPubSubPurchasesSub   = "AFFILIATE_PUBSUB_PURCHASES_SUBSCRIPTION"

	EnvClickDedupWindow      = "AFFILIATE_CLICK_DEDUP_WINDOW"
	EnvAttributionWindowDays = "AFFILIATE_ATTRIBUTION_WINDOW_DAYS"
)

var discreteDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
