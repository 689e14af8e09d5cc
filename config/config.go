/*
Package config loads process configuration from the environment.

PURPOSE:
  Everything that is fixed for the lifetime of a process (ports, paths,
  gateway credentials, pacing and retry knobs) comes from environment
  variables, optionally seeded from a .env file. Settings that operators
  edit at runtime (billing day, paybill, company name) are NOT here; they
  live in the settings table.

ENVIRONMENT:
  PORT               HTTP port (default 8080)
  DB_PATH            SQLite path (default billing.db, ":memory:" allowed)
  LOG_LEVEL          logrus level (default info)
  LOG_FORMAT         json | text (default json)
  TIMEZONE           billing calendar zone (default Africa/Nairobi)
  BILLING_HOUR       hour of the billing day, 0-23 (default 8)
  FLUSH_INTERVAL     queue flush period (default 1m)
  RUN_TIMEOUT        deadline for one scheduled run (default 0, none)
  RUN_LOCK_TTL       persistent run lock lease (default 30m)
  SMS_BATCH_SIZE     items claimed per flush (default 50)
  SMS_MAX_ATTEMPTS   attempt cap per item (default 3)
  SMS_SEND_INTERVAL  minimum delay between sends (default 1s)
  SMS_SEND_TIMEOUT   per-send timeout (default 15s)
  SMS_RETRY_BACKOFF  first automatic retry delay (default 5m)
  SMS_MAX_BACKOFF    retry delay cap (default 1h)
  SMS_CLAIM_TIMEOUT  stale "sending" claim age (default 30m, must exceed
                     SMS_BATCH_SIZE x (SMS_SEND_INTERVAL + SMS_SEND_TIMEOUT))
  SMS_PROVIDER_URL   gateway endpoint; empty logs messages instead
  SMS_API_KEY        gateway key
  SMS_SENDER_ID      gateway sender id
  PHONE_REGION       default region for local numbers (default KE)
  REDIS_ADDRESS      enables the Redis run guard when set
  PUBSUB_PROJECT_ID  enables Pub/Sub operator alerts when set
  PUBSUB_CREDENTIALS_JSON  service account JSON (optional)
  OPERATOR_TOPIC     Pub/Sub topic for alerts (default billing-operator-alerts)
  CORS_ORIGINS       comma separated allowed origins (default *)
  SCHEDULER_AUTOSTART  start the scheduler with the server (default true)

SEE ALSO:
  - logger.go: Logger construction
  - clients.go: Redis and Pub/Sub connections
  - cmd/server/main.go: Wiring
*/
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata" // TIMEZONE must resolve on hosts without zoneinfo

	"github.com/joho/godotenv"

	"github.com/warp/rent-billing/notify"
)

type Config struct {
	Port      int
	DBPath    string
	LogLevel  string
	LogFormat string

	Timezone      string
	BillingHour   int
	FlushInterval time.Duration
	RunTimeout    time.Duration
	RunLockTTL    time.Duration

	SMS            notify.Config
	SMSProviderURL string
	SMSAPIKey      string
	SMSSenderID    string

	RedisAddress    string
	PubSubProjectID string
	PubSubCredJSON  string
	OperatorTopic   string

	CORSOrigins        []string
	SchedulerAutoStart bool
}

// Load reads .env (if present) and the environment.
func Load() (*Config, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()
	return FromEnv()
}

// FromEnv reads the environment only.
func FromEnv() (*Config, error) {
	def := notify.DefaultConfig()

	cfg := &Config{
		Port:      getEnvInt("PORT", 8080),
		DBPath:    getEnv("DB_PATH", "billing.db"),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),

		Timezone:      getEnv("TIMEZONE", "Africa/Nairobi"),
		BillingHour:   getEnvInt("BILLING_HOUR", 8),
		FlushInterval: getEnvDuration("FLUSH_INTERVAL", time.Minute),
		RunTimeout:    getEnvDuration("RUN_TIMEOUT", 0),
		RunLockTTL:    getEnvDuration("RUN_LOCK_TTL", 30*time.Minute),

		SMS: notify.Config{
			BatchSize:    getEnvInt("SMS_BATCH_SIZE", def.BatchSize),
			MaxAttempts:  getEnvInt("SMS_MAX_ATTEMPTS", def.MaxAttempts),
			SendInterval: getEnvDuration("SMS_SEND_INTERVAL", def.SendInterval),
			SendTimeout:  getEnvDuration("SMS_SEND_TIMEOUT", def.SendTimeout),
			RetryBackoff: getEnvDuration("SMS_RETRY_BACKOFF", def.RetryBackoff),
			MaxBackoff:   getEnvDuration("SMS_MAX_BACKOFF", def.MaxBackoff),
			ClaimTimeout: getEnvDuration("SMS_CLAIM_TIMEOUT", def.ClaimTimeout),
			Region:       getEnv("PHONE_REGION", def.Region),
		},
		SMSProviderURL: getEnv("SMS_PROVIDER_URL", ""),
		SMSAPIKey:      getEnv("SMS_API_KEY", ""),
		SMSSenderID:    getEnv("SMS_SENDER_ID", ""),

		RedisAddress:    getEnv("REDIS_ADDRESS", ""),
		PubSubProjectID: getEnv("PUBSUB_PROJECT_ID", ""),
		PubSubCredJSON:  getEnv("PUBSUB_CREDENTIALS_JSON", ""),
		OperatorTopic:   getEnv("OPERATOR_TOPIC", "billing-operator-alerts"),

		CORSOrigins:        splitList(getEnv("CORS_ORIGINS", "*")),
		SchedulerAutoStart: getEnvBool("SCHEDULER_AUTOSTART", true),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values no component can run with.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid PORT %d", c.Port)
	}
	if c.BillingHour < 0 || c.BillingHour > 23 {
		return fmt.Errorf("invalid BILLING_HOUR %d: must be 0-23", c.BillingHour)
	}
	if c.FlushInterval <= 0 {
		return fmt.Errorf("invalid FLUSH_INTERVAL %s", c.FlushInterval)
	}
	if c.RunLockTTL <= 0 {
		return fmt.Errorf("invalid RUN_LOCK_TTL %s: must be positive", c.RunLockTTL)
	}
	if err := c.SMS.Validate(); err != nil {
		return fmt.Errorf("invalid SMS_CLAIM_TIMEOUT: %w", err)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}

// Location resolves Timezone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid TIMEZONE %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// =============================================================================
// ENV HELPERS
// =============================================================================

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := getEnv(key, "")
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvBool(key string, fallback bool) bool {
	v := getEnv(key, "")
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

// getEnvDuration accepts Go durations ("90s") or bare seconds ("90").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := getEnv(key, "")
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
