// Package config loads sagakit configuration.
//
// LoadConfig reads a YAML file with Viper, loads an optional .env file with
// godotenv and then lets SAGAKIT_-prefixed environment variables override
// nested keys (SAGAKIT_SAGA_SNAPSHOT_TTL sets saga.snapshot_ttl). Load does
// the same for the sagakit Config and applies defaults and validation:
//
//	cfg, err := config.Load("sagakit.yml")
//	policy := cfg.Resilience.ToPolicy()
//	mgrCfg := cfg.Saga.ToManagerConfig()
//
// Only the sections of the selected store and locker backends are
// validated, so a memory-backed deployment needs no redis or database
// settings.
package config
