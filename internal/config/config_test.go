package config

import (
	"testing"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Transport != TransportLocal {
		t.Errorf("expected TransportLocal, got %v", cfg.Transport)
	}
	if cfg.Margin != 0.50 {
		t.Errorf("expected Margin 0.50, got %v", cfg.Margin)
	}
	if cfg.Scale != 30.0 {
		t.Errorf("expected Scale 30.0, got %v", cfg.Scale)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	valid := Default()

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid config", func(c *Config) {}, false},
		{"zero world size", func(c *Config) { c.WorldSize = 0 }, true},
		{"negative rank", func(c *Config) { c.Rank = -1 }, true},
		{"rank out of range", func(c *Config) { c.Rank = 2 }, true},
		{"zero vocab", func(c *Config) { c.VocabSize = 0 }, true},
		{"zero batch", func(c *Config) { c.BatchSize = 0 }, true},
		{"ragged vocab", func(c *Config) { c.VocabSize = 513 }, true},
		{"ragged classes", func(c *Config) { c.NumClasses = 129 }, true},
		{"negative margin", func(c *Config) { c.Margin = -0.1 }, true},
		{"zero scale", func(c *Config) { c.Scale = 0 }, true},
		{"flight missing peers", func(c *Config) { c.Transport = TransportFlight }, true},
		{"flight bad peer", func(c *Config) {
			c.Transport = TransportFlight
			c.Peers = []string{"localhost:7001", "no-port"}
		}, true},
		{"flight ok", func(c *Config) {
			c.Transport = TransportFlight
			c.Peers = []string{"localhost:7001", "localhost:7002"}
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseTransport(t *testing.T) {
	if tr, err := ParseTransport("local"); err != nil || tr != TransportLocal {
		t.Errorf("local: got %v, %v", tr, err)
	}
	if tr, err := ParseTransport("FLIGHT"); err != nil || tr != TransportFlight {
		t.Errorf("flight: got %v, %v", tr, err)
	}
	if _, err := ParseTransport("carrier-pigeon"); err == nil {
		t.Error("expected error for unknown transport")
	}
}
