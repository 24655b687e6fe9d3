// Package config holds the runtime environment configuration: everything
// that varies per deployment rather than per organism. The organism
// definition itself is a separate document loaded by package organism.
package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config is populated from the environment.
type Config struct {
	// OrganismPath locates the organism definition document.
	OrganismPath string `env:"AGENTMESH_ORGANISM,required"`
	// DataDir roots the WAL, checkpoint, and blob storage.
	DataDir string `env:"AGENTMESH_DATA_DIR" envDefault:"./data"`
	// RedisURL, when set, moves blob storage to redis.
	RedisURL string `env:"AGENTMESH_REDIS_URL"`

	OpenAIKey   string `env:"OPENAI_API_KEY"`
	FillerModel string `env:"AGENTMESH_FILLER_MODEL"`
	// StrongFillerModel, when set, adds an escalation step to the form
	// filler ladder.
	StrongFillerModel string `env:"AGENTMESH_STRONG_FILLER_MODEL"`

	// SQSQueueURL, when set, starts the SQS ingress.
	SQSQueueURL string `env:"AGENTMESH_SQS_QUEUE_URL"`

	MaxPayloadBytes    int    `env:"AGENTMESH_MAX_PAYLOAD" envDefault:"8388608"`
	ContextTokenBudget int    `env:"AGENTMESH_CONTEXT_BUDGET" envDefault:"65536"`
	CheckpointEvery    int    `env:"AGENTMESH_CHECKPOINT_EVERY" envDefault:"1024"`
	LogFormat          string `env:"AGENTMESH_LOG_FORMAT" envDefault:"text"`
	LogLevel           string `env:"AGENTMESH_LOG_LEVEL" envDefault:"info"`
}

// Load parses the environment.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}
