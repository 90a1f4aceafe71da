package server

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/dawn/pkg/dap2"
)

// KeepaliveConfig controls liveness probing of idle connections.
type KeepaliveConfig struct {
	// Interval is how long a connection may be silent before it is pinged.
	Interval time.Duration

	// Timeout is how long to wait for any frame after a ping.
	Timeout time.Duration

	// MaxMissed is how many consecutive unanswered pings close the
	// connection.
	MaxMissed int
}

// DefaultKeepalive is applied to zero-valued fields.
var DefaultKeepalive = KeepaliveConfig{
	Interval:  60 * time.Second,
	Timeout:   10 * time.Second,
	MaxMissed: 3,
}

var errKeepalive = errors.New("keepalive: peer not responding")

func (k KeepaliveConfig) withDefaults() KeepaliveConfig {
	if k.Interval <= 0 {
		k.Interval = DefaultKeepalive.Interval
	}
	if k.Timeout <= 0 {
		k.Timeout = DefaultKeepalive.Timeout
	}
	if k.MaxMissed <= 0 {
		k.MaxMissed = DefaultKeepalive.MaxMissed
	}
	return k
}

// keepaliveLoop pings the satellite after Interval of silence. Any inbound
// frame counts as a sign of life and resets the miss counter.
func (c *conn) keepaliveLoop() {
	defer c.wg.Done()
	ka := c.keepalive
	idle := time.NewTimer(ka.Interval)
	defer idle.Stop()

	var (
		missed int
		nonce  uint64
	)
	for {
		select {
		case <-c.closed:
			return
		case <-c.activity:
			missed = 0
			idle.Reset(ka.Interval)
			continue
		case <-idle.C:
		}

		nonce++
		ping := dap2.Frame{Type: dap2.TypePing, Flags: dap2.FlagPriority, Payload: binary.BigEndian.AppendUint64(nil, nonce)}
		if err := c.send(ping); err != nil {
			return
		}
		select {
		case <-c.closed:
			return
		case <-c.activity:
			missed = 0
			idle.Reset(ka.Interval)
		case <-time.After(ka.Timeout):
			missed++
			c.srv.metrics.KeepaliveMisses.Add(c.ctx, 1)
			c.logger().Warn("keepalive ping unanswered", "missed", missed, "max", ka.MaxMissed)
			if missed >= ka.MaxMissed {
				c.close(fmt.Errorf("%w after %d pings", errKeepalive, missed))
				return
			}
			// Probe again straight away.
			idle.Reset(0)
		}
	}
}
