package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/casekit/caseflow/rules"
)

// Config holds the configuration for the service. Decision rules ship
// as configuration so routing changes do not require a rebuild.
type Config struct {
	Server struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"server"`
	Redis struct {
		Enable       bool   `mapstructure:"enable"`
		Addr         string `mapstructure:"addr"`
		Password     string `mapstructure:"password"`
		DB           int    `mapstructure:"db"`
		PoolSize     int    `mapstructure:"pool_size"`
		MinIdleConns int    `mapstructure:"min_idle_conns"`
	} `mapstructure:"redis"`
	Workflow struct {
		ConfidenceThreshold float64       `mapstructure:"confidence_threshold"`
		ApprovalDeadline    time.Duration `mapstructure:"approval_deadline"`
		ExpirySweepInterval time.Duration `mapstructure:"expiry_sweep_interval"`
		MaxResumes          int           `mapstructure:"max_resumes"`
		Actions             []string      `mapstructure:"actions"`
	} `mapstructure:"workflow"`
	Retry struct {
		MaxAttempts int           `mapstructure:"max_attempts"`
		BaseDelay   time.Duration `mapstructure:"base_delay"`
		MaxDelay    time.Duration `mapstructure:"max_delay"`
	} `mapstructure:"retry"`
	Connectors []ConnectorConfig `mapstructure:"connectors"`
	Executors  []ExecutorConfig  `mapstructure:"executors"`
	Rules      []rules.Rule      `mapstructure:"rules"`
}

// ExecutorConfig describes one downstream action endpoint.
type ExecutorConfig struct {
	Action  string        `mapstructure:"action"`
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// ConnectorConfig describes one line-of-business enrichment endpoint.
type ConnectorConfig struct {
	Name    string        `mapstructure:"name"`
	Fact    string        `mapstructure:"fact"`
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// LoadConfig loads the configuration from a file and the environment.
func LoadConfig(path string) (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	if path != "" {
		viper.SetConfigFile(path)
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath("./config")
	}
	viper.AutomaticEnv()

	viper.SetDefault("server.addr", ":8080")
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.pool_size", 10)
	viper.SetDefault("redis.min_idle_conns", 2)
	viper.SetDefault("workflow.confidence_threshold", 0.70)
	viper.SetDefault("workflow.approval_deadline", 24*time.Hour)
	viper.SetDefault("workflow.expiry_sweep_interval", time.Minute)
	viper.SetDefault("workflow.max_resumes", 3)
	viper.SetDefault("retry.max_attempts", 3)
	viper.SetDefault("retry.base_delay", 100*time.Millisecond)
	viper.SetDefault("retry.max_delay", 5*time.Second)

	if err := viper.ReadInConfig(); err != nil {
		return nil, err
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	if t := config.Workflow.ConfidenceThreshold; t < 0 || t > 1 {
		return nil, fmt.Errorf("workflow.confidence_threshold must be in [0,1], got %v", t)
	}

	return &config, nil
}
