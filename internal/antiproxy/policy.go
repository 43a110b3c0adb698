package antiproxy

import "time"

// Policy holds every tunable weight, window and threshold of the anti-proxy
// engine. Values are loaded from config so they can be retuned per deployment.
type Policy struct {
	HistoryLimit      int `yaml:"history_limit"`
	ValidityThreshold int `yaml:"validity_threshold"`

	NewDeviceWeight int `yaml:"new_device_weight"`

	SharedDeviceWindow time.Duration `yaml:"shared_device_window"`
	SharedDeviceWeight int           `yaml:"shared_device_weight"`

	DeviceChurnWindow     time.Duration `yaml:"device_churn_window"`
	DeviceChurnMax        int           `yaml:"device_churn_max"`
	DeviceChurnWeight     int           `yaml:"device_churn_weight"`
	DeviceChurnSoft       int           `yaml:"device_churn_soft"`
	DeviceChurnSoftWeight int           `yaml:"device_churn_soft_weight"`

	TravelLookback   time.Duration `yaml:"travel_lookback"`
	TravelMeters     float64       `yaml:"travel_meters"`
	TravelWindow     time.Duration `yaml:"travel_window"`
	TravelWeight     int           `yaml:"travel_weight"`
	TravelSoftMeters float64       `yaml:"travel_soft_meters"`
	TravelSoftWindow time.Duration `yaml:"travel_soft_window"`
	TravelSoftWeight int           `yaml:"travel_soft_weight"`

	VolumeWindow time.Duration `yaml:"volume_window"`
	VolumeMax    int           `yaml:"volume_max"`
	VolumeWeight int           `yaml:"volume_weight"`

	SwitchingMinDevices int `yaml:"switching_min_devices"`
	SwitchingMinHistory int `yaml:"switching_min_history"`
	SwitchingMaxUsage   int `yaml:"switching_max_usage"`
	SwitchingWeight     int `yaml:"switching_weight"`

	MaxAttemptsPerKey  int           `yaml:"max_attempts_per_key"`
	AttemptTTL         time.Duration `yaml:"attempt_ttl"`
	SessionShareWindow time.Duration `yaml:"session_share_window"`

	SharingBlockScore  int `yaml:"sharing_block_score"`
	RepeatAttempts     int `yaml:"repeat_attempts"`
	RepeatBlockScore   int `yaml:"repeat_block_score"`
	AbsoluteAttemptCap int `yaml:"absolute_attempt_cap"`

	ActivityWindow       time.Duration `yaml:"activity_window"`
	RapidMarkGap         time.Duration `yaml:"rapid_mark_gap"`
	RapidMarkWeight      int           `yaml:"rapid_mark_weight"`
	LocationSpreadMax    int           `yaml:"location_spread_max"`
	LocationSpreadWeight int           `yaml:"location_spread_weight"`
	HourSpreadMax        int           `yaml:"hour_spread_max"`
	HourSpreadWeight     int           `yaml:"hour_spread_weight"`
	ActivityMediumScore  int           `yaml:"activity_medium_score"`
	ActivityHighScore    int           `yaml:"activity_high_score"`
}

// DefaultPolicy returns the production defaults.
func DefaultPolicy() Policy {
	return Policy{
		HistoryLimit:      20,
		ValidityThreshold: 60,

		NewDeviceWeight: 25,

		SharedDeviceWindow: 60 * time.Minute,
		SharedDeviceWeight: 50,

		DeviceChurnWindow:     7 * 24 * time.Hour,
		DeviceChurnMax:        3,
		DeviceChurnWeight:     35,
		DeviceChurnSoft:       3,
		DeviceChurnSoftWeight: 20,

		TravelLookback:   30 * time.Minute,
		TravelMeters:     500,
		TravelWindow:     5 * time.Minute,
		TravelWeight:     40,
		TravelSoftMeters: 1000,
		TravelSoftWindow: 10 * time.Minute,
		TravelSoftWeight: 25,

		VolumeWindow: 24 * time.Hour,
		VolumeMax:    6,
		VolumeWeight: 15,

		SwitchingMinDevices: 3,
		SwitchingMinHistory: 5,
		SwitchingMaxUsage:   2,
		SwitchingWeight:     30,

		MaxAttemptsPerKey:  10,
		AttemptTTL:         12 * time.Hour,
		SessionShareWindow: 10 * time.Minute,

		SharingBlockScore:  60,
		RepeatAttempts:     3,
		RepeatBlockScore:   50,
		AbsoluteAttemptCap: 5,

		ActivityWindow:       7 * 24 * time.Hour,
		RapidMarkGap:         2 * time.Minute,
		RapidMarkWeight:      30,
		LocationSpreadMax:    3,
		LocationSpreadWeight: 25,
		HourSpreadMax:        8,
		HourSpreadWeight:     20,
		ActivityMediumScore:  25,
		ActivityHighScore:    50,
	}
}
