package config

import (
	"context"

	"github.com/sethvargo/go-envconfig"
)

// Env holds the defaults a host can provide through its environment.
type Env struct {
	CacheDir string `env:"BOT_UPDATE_CACHE_DIR"`
	FlagFile string `env:"BOT_UPDATE_FLAG_FILE"`
	BuildDir string `env:"BOT_UPDATE_BUILD_DIR"`
	LogLevel string `env:"BOT_UPDATE_LOG_LEVEL"`
}

func LoadEnv(ctx context.Context) (Env, error) {
	var env Env
	if err := envconfig.Process(ctx, &env); err != nil {
		return Env{}, err
	}
	return env, nil
}
