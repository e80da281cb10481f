package config

import (
	"context"
	"fmt"
	"time"
)

// OverrunPolicy controls how the dispatcher handles a settlement that costs
// more micro-units than the execution reserved.
type OverrunPolicy string

const (
	// OverrunClamp caps the committed charge at the reservation and counts
	// the overrun in the aex_overrun_total metric. The default: callers
	// never pay more than they reserved.
	OverrunClamp OverrunPolicy = "clamp"
	// OverrunWarn commits the full overrun amount against the agent's budget
	// (which may go negative) and counts it in the aex_overrun_total metric.
	// Neither policy writes a log line.
	OverrunWarn OverrunPolicy = "warn"
)

// Config holds every environment-sourced setting the gateway needs at
// startup. It is loaded once and handed to the Runtime; nothing below this
// layer reads os.Getenv directly.
type Config struct {
	ServiceName string
	Port        int
	LogLevel    string
	LogFormat   string

	PostgresDSN string

	ConfigDir string
	LogDir    string

	AdminControlKey string
	JWTSigningKey   string

	ReserveTTL             time.Duration
	ProviderTimeout        time.Duration
	StreamInactivityTimeout time.Duration
	OverrunPolicy          OverrunPolicy

	RateRedisAddr string

	AzureKeyVaultURI string

	ProviderBaseURL string
	ProviderAPIKey  string
}

// Load builds a Config from the environment (and, when azureKeyVaultURI is
// set, an optional secret backend for provider keys and the admin key).
// backend may be nil; callers that haven't wired a Key Vault client pass nil
// and every EnvOrSecret lookup falls through to the plain environment.
func Load(ctx context.Context, backend SecretBackend) (Config, error) {
	cfg := Config{
		ServiceName: GetEnv("AEX_SERVICE_NAME", "aex"),
		Port:        GetEnvInt("AEX_PORT", 8080),
		LogLevel:    GetEnv("LOG_LEVEL", "info"),
		LogFormat:   GetEnv("LOG_FORMAT", "json"),

		ConfigDir: GetEnv("AEX_CONFIG_DIR", "./config"),
		LogDir:    GetEnv("AEX_LOG_DIR", "./log"),

		ReserveTTL:              GetEnvDuration("AEX_RESERVE_TTL", 60*time.Second),
		ProviderTimeout:         GetEnvDuration("AEX_PROVIDER_TIMEOUT", 120*time.Second),
		StreamInactivityTimeout: GetEnvDuration("AEX_STREAM_INACTIVITY_TIMEOUT", 60*time.Second),
		OverrunPolicy:           OverrunPolicy(GetEnv("AEX_OVERRUN_POLICY", string(OverrunClamp))),

		RateRedisAddr: GetEnv("AEX_RATE_REDIS_ADDR", ""),

		AzureKeyVaultURI: GetEnv("AEX_AZURE_KEYVAULT_URI", ""),

		ProviderBaseURL: GetEnv("AEX_PROVIDER_BASE_URL", "https://api.openai.com"),
	}

	if cfg.OverrunPolicy != OverrunClamp && cfg.OverrunPolicy != OverrunWarn {
		return Config{}, fmt.Errorf("AEX_OVERRUN_POLICY must be %q or %q, got %q", OverrunClamp, OverrunWarn, cfg.OverrunPolicy)
	}

	dsn, err := RequireEnvOrSecret(ctx, backend, "AEX_PG_DSN")
	if err != nil {
		return Config{}, err
	}
	cfg.PostgresDSN = dsn

	adminKey, err := RequireEnvOrSecret(ctx, backend, "AEX_ADMIN_CONTROL_KEY")
	if err != nil {
		return Config{}, err
	}
	cfg.AdminControlKey = adminKey

	cfg.JWTSigningKey = EnvOrSecret(ctx, backend, "AEX_JWT_SIGNING_KEY", "")
	cfg.ProviderAPIKey = EnvOrSecret(ctx, backend, "AEX_PROVIDER_API_KEY", "")

	return cfg, nil
}
