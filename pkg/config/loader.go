package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Template defaults mirror a typical public AC charger.
const (
	DefaultStopAfterHours     = 0.25
	DefaultProbabilityOfStart = 1.0
	DefaultMinDelaySeconds    = 30.0
	DefaultMaxDelaySeconds    = 60.0
	DefaultMinDurationSeconds = 60.0
	DefaultMaxDurationSeconds = 120.0
)

func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	}
	v.AddConfigPath("./configs")
	v.AddConfigPath(".")
	v.AddConfigPath("/app/configs")

	v.SetEnvPrefix("APP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Allow common env vars without APP_ prefix for Docker/VM deploys
	v.BindEnv("worker.nats_url", "NATS_URL", "APP_WORKER_NATS_URL")
	v.BindEnv("redis.url", "REDIS_URL", "APP_REDIS_URL")
	v.BindEnv("logging.level", "LOG_LEVEL")
	v.BindEnv("app.environment", "APP_ENVIRONMENT")

	v.SetDefault("app.name", "stationsim")
	v.SetDefault("app.environment", "development")
	v.SetDefault("worker.enabled", false)
	v.SetDefault("worker.nats_url", "nats://localhost:4222")
	v.SetDefault("worker.subject", "stationsim.worker")
	v.SetDefault("prometheus.enabled", true)
	v.SetDefault("prometheus.path", "/metrics")
	v.SetDefault("prometheus.port", 9090)
	v.SetDefault("api.enabled", true)
	v.SetDefault("api.port", 8080)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	for i := range cfg.Stations {
		applyGroupDefaults(&cfg.Stations[i])
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyGroupDefaults fills template holes so a minimal YAML entry still
// produces a runnable station. A group that sets atg.stop_after_hours to 0
// explicitly keeps the 0: express "run forever" with a large value instead.
func applyGroupDefaults(g *StationGroup) {
	if g.Count == 0 {
		g.Count = 1
	}
	if g.Connectors == 0 {
		g.Connectors = 1
	}
	if g.Vendor == "" {
		g.Vendor = "VoltSim"
	}
	if g.Model == "" {
		g.Model = "Simulated-1.6"
	}
	if g.MaxPowerKW == 0 {
		g.MaxPowerKW = 22
	}
	if g.MeterValueSampleInterval == 0 {
		g.MeterValueSampleInterval = 60 * time.Second
	}
	if !g.ATG.Enable {
		return
	}
	if g.ATG.StopAfterHours == 0 {
		g.ATG.StopAfterHours = DefaultStopAfterHours
	}
	if g.ATG.ProbabilityOfStart == 0 {
		g.ATG.ProbabilityOfStart = DefaultProbabilityOfStart
	}
	if g.ATG.MinDelayBetweenTwoTransactions == 0 {
		g.ATG.MinDelayBetweenTwoTransactions = DefaultMinDelaySeconds
	}
	if g.ATG.MaxDelayBetweenTwoTransactions == 0 {
		g.ATG.MaxDelayBetweenTwoTransactions = DefaultMaxDelaySeconds
	}
	if g.ATG.MinDuration == 0 {
		g.ATG.MinDuration = DefaultMinDurationSeconds
	}
	if g.ATG.MaxDuration == 0 {
		g.ATG.MaxDuration = DefaultMaxDurationSeconds
	}
}

func (c *Config) validate() error {
	if len(c.Stations) == 0 {
		return fmt.Errorf("no station groups configured")
	}
	for _, g := range c.Stations {
		if g.BaseName == "" {
			return fmt.Errorf("station group missing base_name")
		}
		if g.SupervisionURL == "" {
			return fmt.Errorf("station group %s missing supervision_url", g.BaseName)
		}
		if g.ATG.ProbabilityOfStart < 0 || g.ATG.ProbabilityOfStart > 1 {
			return fmt.Errorf("station group %s: probability_of_start must be within [0,1]", g.BaseName)
		}
	}
	return nil
}

// StationID builds the stable per-index station identifier for a group.
func StationID(baseName string, index int) string {
	return fmt.Sprintf("%s-%05d", baseName, index)
}
