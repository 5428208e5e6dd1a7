package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide traffic counter.
var Stats = &stats{}

type stats struct {
	BytesQueued  atomic.Int64 // local input accepted into the outbound buffer
	BytesSent    atomic.Int64 // encoded packet bytes handed to the driver
	BytesRecv    atomic.Int64 // packet bytes received from the driver
	PacketsSent  atomic.Int64
	Handshakes   atomic.Int64 // SYN attempts
	SendFailures atomic.Int64
}

func (s *stats) AddQueued(n int) { s.BytesQueued.Add(int64(n)) }
func (s *stats) AddRecv(n int)   { s.BytesRecv.Add(int64(n)) }
func (s *stats) AddHandshake()   { s.Handshakes.Add(1) }
func (s *stats) AddSendFailure() { s.SendFailures.Add(1) }

func (s *stats) AddSent(n int) {
	s.BytesSent.Add(int64(n))
	s.PacketsSent.Add(1)
}

// snapshot is a point-in-time copy of the counters.
type snapshot struct {
	queued, sent, recv, packets, handshakes, failures int64
}

func (s *stats) snapshot() snapshot {
	return snapshot{
		queued:     s.BytesQueued.Load(),
		sent:       s.BytesSent.Load(),
		recv:       s.BytesRecv.Load(),
		packets:    s.PacketsSent.Load(),
		handshakes: s.Handshakes.Load(),
		failures:   s.SendFailures.Load(),
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs traffic statistics every
// interval while anything changed. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		prev := Stats.snapshot()
		for {
			select {
			case <-ticker.C:
				cur := Stats.snapshot()
				if cur != prev {
					pterm.DefaultLogger.Info(formatStats(cur, prev, interval))
				}
				prev = cur

			case <-ctx.Done():
				return
			}
		}
	}()
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count into a human-readable string with fixed width (exactly 8 chars)
// for example: "99.0   B", " 1.5 KiB", " 0.1 MiB", "98.9 GiB", etc.
func formatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// formatStats describes the change between two snapshots taken interval apart.
func formatStats(cur, prev snapshot, interval time.Duration) string {
	secs := interval.Seconds()
	return fmt.Sprintf("Out: %s/s | In: %s/s | Pkts: %3d | SYN: %2d | Fail: %2d",
		formatBytes(float64(cur.sent-prev.sent)/secs),
		formatBytes(float64(cur.recv-prev.recv)/secs),
		cur.packets-prev.packets,
		cur.handshakes-prev.handshakes,
		cur.failures-prev.failures,
	)
}
