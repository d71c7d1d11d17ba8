// Package pmap provides the default PmapClient implementation: a thin
// UDP client that registers and deregisters (program, version,
// protocol, port) tuples with an external rpcbind/portmap service. The
// wire protocol it speaks is explicitly out of scope (spec §1
// Non-goal c); this client only needs to shape two fixed-size
// datagrams and parse a boolean-ish reply, the same "open a resource,
// submit a command, get a typed result" pattern the teacher's control
// client uses for device lifecycle calls.
package pmap

import (
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/behrlich/go-rpcsvc/internal/logging"
)

const (
	// DefaultAddr is the conventional rpcbind/portmap service address.
	DefaultAddr = "127.0.0.1:111"

	// procPmapSet/procPmapUnset are the classic portmap procedure
	// numbers within PMAP_PROG (100000) version 2.
	procPmapSet   = 1
	procPmapUnset = 2

	dialTimeout  = 2 * time.Second
	replyTimeout = 2 * time.Second
)

// Client is the default PmapClient, dialing out over UDP to a
// configured rpcbind address. It implements internal/collab.PmapClient.
type Client struct {
	addr   string
	logger *logging.Logger
}

// New constructs a Client targeting addr (host:port). An empty addr
// defaults to DefaultAddr.
func New(addr string) *Client {
	if addr == "" {
		addr = DefaultAddr
	}
	return &Client{addr: addr, logger: logging.Default()}
}

// Set registers (program, version, protocol, port) with the configured
// rpcbind service.
func (c *Client) Set(program, version, protocol uint32, port int) error {
	c.logger.Debug("pmap set", "program", program, "version", version, "protocol", protocol, "port", port)
	return c.call(procPmapSet, program, version, protocol, uint32(port))
}

// Unset deregisters (program, version) from the configured rpcbind
// service.
func (c *Client) Unset(program, version uint32) error {
	c.logger.Debug("pmap unset", "program", program, "version", version)
	return c.call(procPmapUnset, program, version, 0, 0)
}

// call sends a minimal fixed-layout datagram carrying the four pmap
// arguments and waits for a single reply datagram, timing out if none
// arrives. It deliberately does not attempt full RPC/XDR framing: that
// belongs to an external codec, not this client.
func (c *Client) call(proc, program, version, protocol, arg4 uint32) error {
	conn, err := net.DialTimeout("udp", c.addr, dialTimeout)
	if err != nil {
		return fmt.Errorf("pmap: dial %s: %w", c.addr, err)
	}
	defer conn.Close()

	var buf [20]byte
	binary.BigEndian.PutUint32(buf[0:4], proc)
	binary.BigEndian.PutUint32(buf[4:8], program)
	binary.BigEndian.PutUint32(buf[8:12], version)
	binary.BigEndian.PutUint32(buf[12:16], protocol)
	binary.BigEndian.PutUint32(buf[16:20], arg4)

	if _, err := conn.Write(buf[:]); err != nil {
		return fmt.Errorf("pmap: write: %w", err)
	}

	if err := conn.SetReadDeadline(time.Now().Add(replyTimeout)); err != nil {
		return fmt.Errorf("pmap: set deadline: %w", err)
	}

	reply := make([]byte, 4)
	n, err := conn.Read(reply)
	if err != nil {
		return fmt.Errorf("pmap: read reply: %w", err)
	}
	if n < 4 {
		return fmt.Errorf("pmap: short reply (%d bytes)", n)
	}
	if binary.BigEndian.Uint32(reply) == 0 {
		return fmt.Errorf("pmap: call rejected for program %d version %d", program, version)
	}
	return nil
}
