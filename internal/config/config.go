package config

import (
	"os"

	"github.com/joho/godotenv"
)

type Config struct {
	HTTPAddr       string
	RedisAddr      string // empty disables cross-process replication
	RedisPassword  string
	RedisChannel   string
	DatabaseURL    string // empty disables tournament persistence
	EntitlementURL string // empty falls back to the allow-all checker
	Evaluator      bool   // exactly one worker per deployment runs the tournament evaluator
	LogDev         bool
}

func Load() Config {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg := Config{
		HTTPAddr:       os.Getenv("HTTP_ADDR"),
		RedisAddr:      os.Getenv("REDIS_ADDR"),
		RedisPassword:  os.Getenv("REDIS_PASSWORD"),
		RedisChannel:   os.Getenv("REDIS_CHANNEL"),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		EntitlementURL: os.Getenv("ENTITLEMENT_URL"),
		Evaluator:      os.Getenv("TOURNAMENT_EVALUATOR") != "false",
		LogDev:         os.Getenv("LOG_DEV") == "true",
	}
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = ":8080"
	}
	if cfg.RedisChannel == "" {
		cfg.RedisChannel = "darts-live:replication"
	}
	return cfg
}
