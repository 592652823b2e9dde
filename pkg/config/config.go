package config

import (
	"time"

	"github.com/voltsim/stationsim/internal/domain"
)

type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Stations   []StationGroup   `mapstructure:"stations"`
	Worker     WorkerConfig     `mapstructure:"worker"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Prometheus PrometheusConfig `mapstructure:"prometheus"`
	API        APIConfig        `mapstructure:"api"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
}

// StationGroup expands into Count stations sharing one template. Station
// IDs are BaseName plus a zero-padded index, so restarts produce the same
// fleet.
type StationGroup struct {
	BaseName        string  `mapstructure:"base_name"`
	Count           int     `mapstructure:"count"`
	SupervisionURL  string  `mapstructure:"supervision_url"`
	Vendor          string  `mapstructure:"vendor"`
	Model           string  `mapstructure:"model"`
	SerialNumber    string  `mapstructure:"serial_number"`
	FirmwareVersion string  `mapstructure:"firmware_version"`
	Connectors      int     `mapstructure:"connectors"`
	MaxPowerKW      float64 `mapstructure:"max_power_kw"`

	MeterValueSampleInterval time.Duration `mapstructure:"meter_value_sample_interval"`

	// IdTags is the inline authorization pool; IdTagsRedisKey names a Redis
	// set to load instead. Both empty means untagged transactions.
	IdTags         []string `mapstructure:"id_tags"`
	IdTagsRedisKey string   `mapstructure:"id_tags_redis_key"`

	AutoStart bool      `mapstructure:"auto_start"`
	ATG       ATGConfig `mapstructure:"atg"`
}

type ATGConfig struct {
	Enable                         bool    `mapstructure:"enable"`
	StopAfterHours                 float64 `mapstructure:"stop_after_hours"`
	MinDelayBetweenTwoTransactions float64 `mapstructure:"min_delay_between_two_transactions"`
	MaxDelayBetweenTwoTransactions float64 `mapstructure:"max_delay_between_two_transactions"`
	MinDuration                    float64 `mapstructure:"min_duration"`
	MaxDuration                    float64 `mapstructure:"max_duration"`
	ProbabilityOfStart             float64 `mapstructure:"probability_of_start"`
	RequireAuthorize               bool    `mapstructure:"require_authorize"`
}

type WorkerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	NATSURL string `mapstructure:"nats_url"`
	Subject string `mapstructure:"subject"`
}

type RedisConfig struct {
	URL string `mapstructure:"url"`
}

type PrometheusConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
	Port    int    `mapstructure:"port"`
}

type APIConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// StationInfo materializes the template for the station at index within
// the group.
func (g StationGroup) StationInfo(index int) domain.StationInfo {
	return domain.StationInfo{
		ID:                       StationID(g.BaseName, index),
		Vendor:                   g.Vendor,
		Model:                    g.Model,
		SerialNumber:             g.SerialNumber,
		FirmwareVersion:          g.FirmwareVersion,
		SupervisionURL:           g.SupervisionURL,
		MaxPowerKW:               g.MaxPowerKW,
		Connectors:               g.Connectors,
		AuthorizedTags:           g.IdTags,
		MeterValueSampleInterval: g.MeterValueSampleInterval,
		AutomaticTransactionGenerator: domain.ATGConfig{
			Enable:                         g.ATG.Enable,
			StopAfterHours:                 g.ATG.StopAfterHours,
			MinDelayBetweenTwoTransactions: g.ATG.MinDelayBetweenTwoTransactions,
			MaxDelayBetweenTwoTransactions: g.ATG.MaxDelayBetweenTwoTransactions,
			MinDuration:                    g.ATG.MinDuration,
			MaxDuration:                    g.ATG.MaxDuration,
			ProbabilityOfStart:             g.ATG.ProbabilityOfStart,
			RequireAuthorize:               g.ATG.RequireAuthorize,
		},
	}
}
