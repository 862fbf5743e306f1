package controller

import (
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/quarryproject/quarry/pkg/log"
	"github.com/quarryproject/quarry/pkg/store"
	"github.com/quarryproject/quarry/pkg/wire"
)

// Serve accepts client and node connections and processes their requests.
// Each connection gets its own goroutine; handlers block, the pool of
// connection goroutines is the thread pool.
func (c *Controller) Serve(lis net.Listener) error {
	logger := log.WithComponent("server")
	logger.Info().Str("addr", lis.Addr().String()).Msg("listening")

	go func() {
		<-c.shutdownCh
		lis.Close()
	}()

	for {
		conn, err := lis.Accept()
		if err != nil {
			select {
			case <-c.shutdownCh:
				return nil
			default:
			}
			logger.Warn().Err(err).Msg("accept failed")
			continue
		}
		go c.serveConn(conn)
	}
}

func (c *Controller) serveConn(conn net.Conn) {
	defer conn.Close()
	logger := log.WithComponent("server")

	for {
		msg, err := wire.ReadMsg(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Debug().Err(err).Str("peer", conn.RemoteAddr().String()).
					Msg("connection closed")
			}
			return
		}

		resp := c.Dispatch(msg)
		if err := wire.WriteMsg(conn, resp); err != nil {
			// State changes are already committed; the client simply missed
			// its answer.
			logger.Warn().Err(err).Stringer("type", msg.Header.Type).
				Msg("response write failed")
			return
		}
	}
}

// ListenAndServe binds the configured control address.
func (c *Controller) ListenAndServe() error {
	addr := c.cfg.Current().ControlAddr
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to bind %s: %v", addr, err)
	}
	return c.Serve(lis)
}

// nodeTransport delivers agent-queue messages over short-lived TCP
// connections to the node's configured address.
type nodeTransport struct {
	store   *store.Store
	timeout time.Duration
}

func (t *nodeTransport) Send(nodeName string, msg *wire.Msg) error {
	addr := ""
	if n := t.store.FindNode(nodeName); n != nil {
		addr = n.Addr
	} else if fe := t.store.FindFrontEnd(nodeName); fe != nil {
		addr = fe.Addr
	}
	if addr == "" {
		return fmt.Errorf("no address for node %s", nodeName)
	}

	timeout := t.timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return fmt.Errorf("failed to reach %s: %v", nodeName, err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(timeout))

	if err := wire.WriteMsg(conn, msg); err != nil {
		return fmt.Errorf("failed to send to %s: %v", nodeName, err)
	}
	resp, err := wire.ReadMsg(conn)
	if err != nil {
		return fmt.Errorf("no reply from %s: %v", nodeName, err)
	}
	if rc, okResp := resp.Body.(*wire.RCResponse); okResp && rc.Code != wire.Success {
		return fmt.Errorf("node %s returned %s", nodeName, rc.Code)
	}
	return nil
}
