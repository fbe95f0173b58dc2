package config

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds application configuration loaded from environment variables or config files.
type Config struct {
	AppEnv          string        `mapstructure:"APP_ENV" validate:"required,oneof=development staging production test"`
	HTTPAddr        string        `mapstructure:"HTTP_ADDR" validate:"required,hostname_port"`
	ShutdownTimeout time.Duration `mapstructure:"SHUTDOWN_TIMEOUT" validate:"required"`

	LogLevel  string `mapstructure:"LOG_LEVEL" validate:"required,oneof=debug info warn error dpanic panic fatal"`
	LogFormat string `mapstructure:"LOG_FORMAT" validate:"required,oneof=json console"`

	DatabaseURL string `mapstructure:"DATABASE_URL" validate:"required,url|uri"`

	// Machine-control platform settings. The API token is deliberately not
	// defaulted: a missing token must fail loudly before any remote call.
	ControlAPIURL   string `mapstructure:"CONTROL_API_URL" validate:"required,url"`
	ControlAPIToken string `mapstructure:"CONTROL_API_TOKEN"`
	ControlOrg      string `mapstructure:"CONTROL_ORG" validate:"required"`
	ControlRegion   string `mapstructure:"CONTROL_REGION" validate:"required"`

	// WorkspaceImage is the machine image used for dev workspaces.
	WorkspaceImage string `mapstructure:"WORKSPACE_IMAGE" validate:"required"`
	// AppDomain is the platform suffix used to derive public URLs
	// (https://<remote-name>.<AppDomain>/).
	AppDomain string `mapstructure:"APP_DOMAIN" validate:"required,fqdn|hostname"`
	// DataStoreCluster names the shared database cluster deployed apps may
	// attach to. Empty disables database linking.
	DataStoreCluster string `mapstructure:"DATA_STORE_CLUSTER"`

	JWTSecret string `mapstructure:"JWT_SECRET"`

	GoMaxProcs int `mapstructure:"GOMAXPROCS" validate:"gte=0,lte=4096"`
}

var (
	cfg      *Config
	validate = validator.New(validator.WithRequiredStructEnabled())
)

// Load initializes configuration using Viper. It loads from .env if present,
// applies defaults, binds env vars, and validates the result.
func Load() (*Config, error) {
	// Load .env if present (non-fatal)
	_ = godotenv.Load(".env.local")
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.AutomaticEnv()

	// Defaults
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("HTTP_ADDR", "0.0.0.0:8080")
	v.SetDefault("SHUTDOWN_TIMEOUT", "15s")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
	v.SetDefault("CONTROL_API_URL", "https://api.machines.dev/v1")
	v.SetDefault("CONTROL_REGION", "iad")
	v.SetDefault("WORKSPACE_IMAGE", "registry.skiff.dev/workspace:latest")
	v.SetDefault("APP_DOMAIN", "skiff.app")
	v.SetDefault("GOMAXPROCS", 0)

	// Optional config file
	_ = v.ReadInConfig()

	// Bind env without prefix for convenience
	keys := []string{
		"APP_ENV",
		"HTTP_ADDR",
		"SHUTDOWN_TIMEOUT",
		"LOG_LEVEL",
		"LOG_FORMAT",
		"DATABASE_URL",
		"CONTROL_API_URL",
		"CONTROL_API_TOKEN",
		"CONTROL_ORG",
		"CONTROL_REGION",
		"WORKSPACE_IMAGE",
		"APP_DOMAIN",
		"DATA_STORE_CLUSTER",
		"JWT_SECRET",
		"GOMAXPROCS",
	}
	for _, key := range keys {
		_ = v.BindEnv(key)
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("config unmarshal error: %w", err)
	}

	// Parse duration types that may come as string
	if s := v.GetString("SHUTDOWN_TIMEOUT"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			return nil, fmt.Errorf("invalid SHUTDOWN_TIMEOUT: %w", err)
		}
		c.ShutdownTimeout = d
	}

	if err := validate.Struct(&c); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if c.GoMaxProcs > 0 {
		runtime.GOMAXPROCS(c.GoMaxProcs)
	}

	cfg = &c
	return cfg, nil
}

// MustLoad loads configuration or exits the process on failure.
func MustLoad() *Config {
	c, err := Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	return c
}

// Get returns the loaded configuration. Panics if not loaded.
func Get() *Config {
	if cfg == nil {
		panic("config not loaded: call config.Load or config.MustLoad first")
	}
	return cfg
}
