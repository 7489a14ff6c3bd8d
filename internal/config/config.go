package config

import (
	"fmt"
	"strings"
)

type Transport int

const (
	TransportLocal Transport = iota
	TransportFlight
)

// Config holds the run configuration for a model parallel process.
// Rank and Peers are only meaningful for the flight transport; the
// local transport spawns all ranks inside one process.
type Config struct {
	Transport Transport
	Rank      int
	WorldSize int

	// Flight transport: one "host:port" per rank, index == rank.
	Peers []string

	// Demo model dimensions.
	VocabSize    int
	EmbeddingDim int
	HiddenDim    int
	NumClasses   int
	BatchSize    int

	// Margin head constants.
	Margin float64
	Scale  float64

	// Shared init seed. Every rank must use the same value or the
	// regenerated master weights diverge.
	Seed uint64

	LogLevel    string
	LogFormat   string
	MetricsAddr string
}

func (c *Config) Validate() error {
	if c.WorldSize <= 0 {
		return fmt.Errorf("invalid world_size: %d (must be positive)", c.WorldSize)
	}
	if c.Rank < 0 || c.Rank >= c.WorldSize {
		return fmt.Errorf("invalid rank: %d (must be in [0, %d))", c.Rank, c.WorldSize)
	}
	if c.Transport == TransportFlight {
		if len(c.Peers) != c.WorldSize {
			return fmt.Errorf("invalid peers: got %d addresses for world_size %d", len(c.Peers), c.WorldSize)
		}
		for i, p := range c.Peers {
			if !strings.Contains(p, ":") {
				return fmt.Errorf("invalid peer address for rank %d: %q", i, p)
			}
		}
	}
	if c.VocabSize <= 0 {
		return fmt.Errorf("invalid vocab_size: %d (must be positive)", c.VocabSize)
	}
	if c.EmbeddingDim <= 0 {
		return fmt.Errorf("invalid embedding_dim: %d (must be positive)", c.EmbeddingDim)
	}
	if c.HiddenDim <= 0 {
		return fmt.Errorf("invalid hidden_dim: %d (must be positive)", c.HiddenDim)
	}
	if c.NumClasses <= 0 {
		return fmt.Errorf("invalid num_classes: %d (must be positive)", c.NumClasses)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("invalid batch_size: %d (must be positive)", c.BatchSize)
	}
	if c.VocabSize%c.WorldSize != 0 {
		return fmt.Errorf("vocab_size %d not divisible by world_size %d", c.VocabSize, c.WorldSize)
	}
	if c.EmbeddingDim%c.WorldSize != 0 {
		return fmt.Errorf("embedding_dim %d not divisible by world_size %d", c.EmbeddingDim, c.WorldSize)
	}
	if c.HiddenDim%c.WorldSize != 0 {
		return fmt.Errorf("hidden_dim %d not divisible by world_size %d", c.HiddenDim, c.WorldSize)
	}
	if c.NumClasses%c.WorldSize != 0 {
		return fmt.Errorf("num_classes %d not divisible by world_size %d", c.NumClasses, c.WorldSize)
	}
	if c.Margin < 0 {
		return fmt.Errorf("invalid margin: %f (must be non-negative)", c.Margin)
	}
	if c.Scale <= 0 {
		return fmt.Errorf("invalid scale: %f (must be positive)", c.Scale)
	}
	return nil
}

func ParseTransport(s string) (Transport, error) {
	switch strings.ToLower(s) {
	case "local", "":
		return TransportLocal, nil
	case "flight":
		return TransportFlight, nil
	default:
		return TransportLocal, fmt.Errorf("unknown transport: %q", s)
	}
}

func Default() Config {
	return Config{
		Transport: TransportLocal,
		WorldSize: 2,

		VocabSize:    512,
		EmbeddingDim: 64,
		HiddenDim:    256,
		NumClasses:   128,
		BatchSize:    8,

		Margin: 0.50,
		Scale:  30.0,
		Seed:   1234,

		LogLevel:  "info",
		LogFormat: "console",
	}
}
