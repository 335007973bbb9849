// Package langtars wires the task engine, the tool registry and the
// front-ends into one server.
package langtars

import (
	"flag"
	"fmt"
	"os"
)

// AppConfig holds process-level settings loaded from flags and env.
type AppConfig struct {
	Host         string
	Port         int
	ConfigFile   string
	JWTSecret    string
	RedisURL     string
	MySQLDSN     string
	DiscordToken string
	LogLevel     string
	// HashPassword, when set, makes the binary print a bcrypt hash of it
	// and exit.
	HashPassword string
}

// LoadAppConfig reads configuration from CLI flags and environment
// variables. CLI flags take precedence over env vars.
func LoadAppConfig(fs *flag.FlagSet, args []string) (*AppConfig, error) {
	host := fs.String("host", "", "Listen host (env: HOST, default: 127.0.0.1)")
	port := fs.Int("port", 0, "Listen port (env: PORT, default: 8700)")
	configFile := fs.String("config", "", "Path to config.yaml (env: LANGTARS_CONFIG)")
	logLevel := fs.String("log-level", "", "debug, info, warn or error (env: LOG_LEVEL)")
	hashPassword := fs.String("hash-password", "", "Print a bcrypt hash for the users section and exit")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg := &AppConfig{
		Host:         envOr("HOST", "127.0.0.1"),
		Port:         envIntOr("PORT", 8700),
		ConfigFile:   envOr("LANGTARS_CONFIG", DefaultConfigPath),
		JWTSecret:    os.Getenv("LANGTARS_JWT_SECRET"),
		RedisURL:     os.Getenv("REDIS_URL"),
		MySQLDSN:     os.Getenv("MYSQL_DSN"),
		DiscordToken: os.Getenv("DISCORD_TOKEN"),
		LogLevel:     os.Getenv("LOG_LEVEL"),
		HashPassword: *hashPassword,
	}

	// CLI flags override env
	if *host != "" {
		cfg.Host = *host
	}
	if *port != 0 {
		cfg.Port = *port
	}
	if *configFile != "" {
		cfg.ConfigFile = *configFile
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	return cfg, nil
}

// envOr returns the environment variable or a default value.
func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// envIntOr returns the environment variable as int or a default value.
func envIntOr(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
		return def
	}
	return n
}
