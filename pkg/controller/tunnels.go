package controller

import (
	"fmt"
	"time"

	"github.com/twentyft/laksa/pkg/bus"
	"github.com/twentyft/laksa/pkg/log"
	"github.com/twentyft/laksa/pkg/metrics"
	"github.com/twentyft/laksa/pkg/tunnel"
)

const (
	// waitTCPInterval paces the wait_tcp probe
	waitTCPInterval = 500 * time.Millisecond
	// waitTCPAttempts bounds it: 60 probes, 30 seconds
	waitTCPAttempts = 60
)

// waitTCP probes a container port until it accepts, replying from a
// worker goroutine when it does (or gives up).
func (c *Controller) waitTCP(msg *bus.Message) error {
	ctr, err := c.ensureContainer(msg.RID, msg.Params.Str("container"))
	if err != nil {
		return err
	}
	addr := fmt.Sprintf("%s:%d", ctr.IP, msg.Params.Int("port"))

	go func() {
		for attempts := 0; ; {
			time.Sleep(waitTCPInterval)
			conn, err := c.dial(addr, waitTCPInterval)
			if err == nil {
				conn.Close()
				c.transport.Reply(msg, nil, nil)
				return
			}
			attempts++
			if attempts == waitTCPAttempts {
				c.transport.Reply(msg, bus.Params{"exception": "Could not connect"}, nil)
				return
			}
		}
	}()
	return nil
}

// createTunnel opens a tunnel onto a container
func (c *Controller) createTunnel(msg *bus.Message) error {
	sess, err := c.ensureSession(msg.RID)
	if err != nil {
		return err
	}
	ctr, err := c.ensureContainer(msg.RID, msg.Params.Str("container"))
	if err != nil {
		return err
	}

	tun := tunnel.New(msg.UUID, sess, c.transport, c.loop,
		ctr.IP, int(msg.Params.Int("port")), msg.Params.Int("timeout"))
	sess.Tunnels[msg.UUID] = tun
	c.model.UpdateSessionRecord(sess)
	metrics.TunnelsLive.Inc()
	return nil
}

// destroyTunnel tears a tunnel down along with all its proxies
func (c *Controller) destroyTunnel(msg *bus.Message) error {
	sess, err := c.ensureSession(msg.RID)
	if err != nil {
		return err
	}
	tun, ok := sess.Tunnels[msg.Params.Str("tunnel")]
	if !ok {
		return Validation("Unknown session or tunnel")
	}
	tun.Disconnect()
	delete(sess.Tunnels, tun.UUID)
	c.model.UpdateSessionRecord(sess)
	metrics.TunnelsLive.Dec()
	log.Logger.Info().Str("tunnel", tun.UUID).Msg("destroyed tunnel")
	return nil
}

// toProxy forwards client bytes down a tunnel's virtual connection. A
// recovered tunnel gets its transport attached on first use.
func (c *Controller) toProxy(msg *bus.Message) error {
	sess, ok := c.model.Sessions[msg.RID]
	if !ok {
		return nil
	}
	tun, ok := sess.Tunnels[msg.Params.Str("tunnel")]
	if !ok {
		return nil
	}
	tun.Forward(msg)
	return nil
}

// closeProxy tears down one virtual connection. Sometimes this end
// closed it already and the client's notification crosses over; that is
// not an error.
func (c *Controller) closeProxy(msg *bus.Message) error {
	sess, ok := c.model.Sessions[msg.RID]
	if !ok {
		return nil
	}
	tun, ok := sess.Tunnels[msg.Params.Str("tunnel")]
	if !ok {
		return nil
	}
	tun.CloseProxy(msg.Params.Int("proxy"))
	return nil
}
