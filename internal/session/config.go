package session

import "time"

// BackoffConfig defines handshake retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Config holds the per-session tunables.
type Config struct {
	// RecvTimeout bounds the single driver poll made on each tick. Zero polls
	// without waiting.
	RecvTimeout time.Duration

	// MaxHandshakeAttempts is the number of SYNs sent before the session
	// gives up. Zero retries forever.
	MaxHandshakeAttempts int

	Backoff BackoffConfig

	// SynOptions is carried in every SYN.
	SynOptions uint16
}

// DefaultConfig sends one SYN per tick, up to ten times.
func DefaultConfig() Config {
	return Config{
		RecvTimeout:          0,
		MaxHandshakeAttempts: 10,
		Backoff: BackoffConfig{
			InitialDelay: 0,
			Multiplier:   2.0,
			MaxDelay:     8 * time.Second,
			Jitter:       false,
		},
	}
}
