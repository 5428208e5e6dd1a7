// Package app wires the configured driver, the event loop and the session
// into a running client.
package app

import (
	"context"
	"fmt"
	"io"

	"github.com/1ureka/tuncat/internal/config"
	"github.com/1ureka/tuncat/internal/driver/drivers"
	"github.com/1ureka/tuncat/internal/eventloop"
	"github.com/1ureka/tuncat/internal/session"
	"github.com/1ureka/tuncat/internal/util"
)

// RunClient orchestrates the full client lifecycle:
//  1. Open the configured driver
//  2. Create the session and register it with the event loop
//  3. Read local input from in and write far-end data to out
//  4. Dispatch events until the session closes or ctx ends
//
// A nil return means the session ended cleanly: local input closed, the far
// end sent FIN or ctx was cancelled.
func RunClient(ctx context.Context, cfg *config.Config, in io.Reader, out io.Writer) error {
	// ── 1. Driver ──────────────────────────────────────────────────────
	ep := cfg.Endpoint()
	util.LogInfo("opening %s driver to %s", ep.Kind, ep.Addr)
	drv, err := drivers.Open(ctx, ep)
	if err != nil {
		return fmt.Errorf("open %s driver: %w", ep.Kind, err)
	}

	// ── 2. Session + event loop ────────────────────────────────────────
	var sess *session.Session
	group := eventloop.NewGroup(eventloop.HandlerFunc(func(ev eventloop.Event) error {
		return sess.Dispatch(ev)
	}))
	sess, err = session.New(drv, out, cfg.SessionConfig(), session.WithMultiplexer(group))
	if err != nil {
		group.Close()
		drv.Close()
		return err
	}

	// ── 3. Local I/O and timer ─────────────────────────────────────────
	if err := group.AddStream(in); err != nil {
		sess.HandleLocalClosed()
		return err
	}
	group.SetTimer(cfg.TickInterval())

	statsCtx, stopStats := context.WithCancel(ctx)
	defer stopStats()
	util.StartStatsReporter(statsCtx, cfg.StatsInterval())

	util.LogInfo("session %04x started over %s (max packet %d bytes, tick %v)",
		sess.ID(), ep.Kind, drv.MaxPacketSize(), cfg.TickInterval())

	// ── 4. Dispatch until shutdown ─────────────────────────────────────
	runErr := group.Run(ctx, 0)
	if !sess.Closed() {
		if ctx.Err() != nil {
			util.LogInfo("interrupted, closing session %04x", sess.ID())
			runErr = nil
		}
		sess.HandleLocalClosed()
	}
	if runErr != nil {
		return runErr
	}

	util.LogSuccess("session %04x closed", sess.ID())
	return nil
}
