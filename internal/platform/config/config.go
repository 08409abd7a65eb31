// Package config builds the viper instance every service reads its settings
// from: defaults, then an optional config.yaml, then the environment (with an
// optional .env file loaded first). Keys are dotted; "http.addr" is read from
// HTTP_ADDR.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type HTTPConfig struct {
	Addr string
}

type AppConfig struct {
	ServiceName string
	LogLevel    string
	HTTP        HTTPConfig
}

// New returns a viper instance with the shared lookup rules applied. The
// config file is searched as config.yaml in ".", "./config" and
// "/etc/<service>". defaults are applied before anything is read.
func New(service string, defaults map[string]any) (*viper.Viper, error) {
	// .env files are optional in production and CI where env vars are set directly
	_ = godotenv.Load()

	v := viper.New()
	v.SetDefault("service.name", service)
	v.SetDefault("log.level", "info")
	v.SetDefault("http.addr", ":8080")
	for k, val := range defaults {
		v.SetDefault(k, val)
	}

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/" + service)

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return v, nil
}

// App extracts the settings every service shares.
func App(v *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		ServiceName: strings.TrimSpace(v.GetString("service.name")),
		LogLevel:    strings.TrimSpace(v.GetString("log.level")),
		HTTP: HTTPConfig{
			Addr: strings.TrimSpace(v.GetString("http.addr")),
		},
	}
	if cfg.ServiceName == "" {
		return AppConfig{}, errors.New("SERVICE_NAME is required")
	}
	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = ":8080"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	return cfg, nil
}
