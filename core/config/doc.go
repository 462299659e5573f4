// Package config loads environment variables into typed structs using
// caarlos0/env. Each configuration type is parsed once and cached for
// subsequent calls.
//
// A .env file in the working directory is loaded on first use when present.
// Variables already set in the process environment take precedence.
//
//	type RedisConfig struct {
//		URL string `env:"REDIS_URL,required"`
//	}
//
//	var cfg RedisConfig
//	if err := config.Load(&cfg); err != nil {
//		return err
//	}
//
//	// or, at startup
//	config.MustLoad(&cfg)
package config
