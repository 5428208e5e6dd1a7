package drivers

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/tuncat/internal/driver"
)

func TestOpenUnknownKind(t *testing.T) {
	_, err := Open(context.Background(), driver.Endpoint{Kind: "carrier-pigeon"})
	assert.ErrorIs(t, err, driver.ErrUnknownKind)
}

func TestOpenMemReflects(t *testing.T) {
	drv, err := Open(context.Background(), driver.Endpoint{Kind: driver.KindMem, MaxPacketSize: 512})
	require.NoError(t, err)
	defer drv.Close()
	assert.Equal(t, 512, drv.MaxPacketSize())

	require.NoError(t, drv.Send([]byte("mirror")))
	p, err := drv.Recv(time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("mirror"), p)
}

func TestOpenTCP(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	go func() {
		c, err := l.Accept()
		if err == nil {
			c.Close()
		}
	}()

	drv, err := Open(context.Background(), driver.Endpoint{Kind: driver.KindTCP, Addr: l.Addr().String(), DialTimeout: time.Second})
	require.NoError(t, err)
	assert.NoError(t, drv.Close())
}
