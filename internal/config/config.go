package config

import "time"

// Config holds client configuration values.
type Config struct {
	APIURL         string        `mapstructure:"api_url" yaml:"api_url"`
	WSURL          string        `mapstructure:"ws_url" yaml:"ws_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	PageSize       int           `mapstructure:"page_size" yaml:"page_size"`
	LogLevel       string        `mapstructure:"log_level" yaml:"log_level"`
	ReadLimit      int64         `mapstructure:"read_limit" yaml:"read_limit"`
	LeaveTimeout   time.Duration `mapstructure:"leave_timeout" yaml:"leave_timeout"`
	SendTimeout    time.Duration `mapstructure:"send_timeout" yaml:"send_timeout"`
	EventBuffer    int           `mapstructure:"event_buffer" yaml:"event_buffer"`
}

// Default returns configuration pointing at a local development backend.
func Default() Config {
	return Config{
		APIURL:         "http://localhost:8000/api/",
		WSURL:          "ws://localhost:8000",
		RequestTimeout: 10 * time.Second,
		PageSize:       9,
		LogLevel:       "info",
		ReadLimit:      64 << 10,
		LeaveTimeout:   time.Second,
		SendTimeout:    5 * time.Second,
		EventBuffer:    64,
	}
}

// UpdateFrom overwrites non-zero values from other config into receiver.
func (c *Config) UpdateFrom(other Config) {
	if other.APIURL != "" {
		c.APIURL = other.APIURL
	}
	if other.WSURL != "" {
		c.WSURL = other.WSURL
	}
	if other.RequestTimeout != 0 {
		c.RequestTimeout = other.RequestTimeout
	}
	if other.PageSize != 0 {
		c.PageSize = other.PageSize
	}
	if other.LogLevel != "" {
		c.LogLevel = other.LogLevel
	}
	if other.ReadLimit != 0 {
		c.ReadLimit = other.ReadLimit
	}
	if other.LeaveTimeout != 0 {
		c.LeaveTimeout = other.LeaveTimeout
	}
	if other.SendTimeout != 0 {
		c.SendTimeout = other.SendTimeout
	}
	if other.EventBuffer != 0 {
		c.EventBuffer = other.EventBuffer
	}
}
