package domain

import "time"

// StationInfo is the template metadata a simulated station is built from.
// One template expands into many stations; per-station identity (hash id,
// station id suffix) is derived by the factory.
type StationInfo struct {
	ID              string  `json:"id"`
	Vendor          string  `json:"vendor"`
	Model           string  `json:"model"`
	SerialNumber    string  `json:"serial_number"`
	FirmwareVersion string  `json:"firmware_version"`
	SupervisionURL  string  `json:"supervision_url"`
	MaxPowerKW      float64 `json:"max_power_kw"`
	Connectors      int     `json:"connectors"`

	// AuthorizedTags is the optional pool of id tags transactions draw from.
	// Empty means the station starts transactions without an id tag.
	AuthorizedTags []string `json:"authorized_tags,omitempty"`

	MeterValueSampleInterval time.Duration `json:"meter_value_sample_interval"`

	AutomaticTransactionGenerator ATGConfig `json:"automatic_transaction_generator"`
}

// ATGConfig holds the automatic transaction generator parameters of a
// station template. Delay and duration bounds are in seconds and may be
// fractional.
type ATGConfig struct {
	Enable                         bool    `json:"enable"`
	StopAfterHours                 float64 `json:"stop_after_hours"`
	MinDelayBetweenTwoTransactions float64 `json:"min_delay_between_two_transactions"`
	MaxDelayBetweenTwoTransactions float64 `json:"max_delay_between_two_transactions"`
	MinDuration                    float64 `json:"min_duration"`
	MaxDuration                    float64 `json:"max_duration"`
	ProbabilityOfStart             float64 `json:"probability_of_start"`
	RequireAuthorize               bool    `json:"require_authorize"`
}
