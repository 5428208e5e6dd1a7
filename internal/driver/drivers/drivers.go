// Package drivers opens a concrete driver.Driver for an Endpoint.
package drivers

import (
	"context"
	"fmt"

	"github.com/1ureka/tuncat/internal/driver"
	"github.com/1ureka/tuncat/internal/driver/mem"
	"github.com/1ureka/tuncat/internal/driver/quic"
	"github.com/1ureka/tuncat/internal/driver/rtc"
	"github.com/1ureka/tuncat/internal/driver/tcp"
	"github.com/1ureka/tuncat/internal/driver/ws"
	"github.com/1ureka/tuncat/internal/util"
)

// Open dials ep with the driver its Kind names.
//
// The mem kind returns one end of an in-process pair whose other end answers
// every packet with itself; it exists for local smoke runs.
func Open(ctx context.Context, ep driver.Endpoint) (driver.Driver, error) {
	util.LogDebug("opening %s driver to %q", ep.Kind, ep.Addr)

	switch ep.Kind {
	case driver.KindTCP:
		return tcp.Dial(ctx, ep)
	case driver.KindWS:
		return ws.Dial(ctx, ep)
	case driver.KindRTC:
		return rtc.Dial(ctx, ep)
	case driver.KindQUIC:
		return quic.Dial(ctx, ep)
	case driver.KindMem:
		local, remote := mem.Pair(ep.MaxPacketSize)
		go mem.Reflect(remote)
		return local, nil
	default:
		return nil, fmt.Errorf("%w: %q", driver.ErrUnknownKind, ep.Kind)
	}
}
