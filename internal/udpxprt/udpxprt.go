// Package udpxprt implements the UDP transport: a single rendezvous
// endpoint that clones per request, and the fixed-capacity reply
// cache used to answer client retransmits without re-dispatching.
// Grounded on original_source/librpc/svc_udp.c: recvfrom/sendto for
// datagram I/O, and cache_get/cache_set/CACHE_LOC for the cache, whose
// hash table is sized SPARSENESS(4) times the FIFO capacity.
package udpxprt

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// sparseness matches svc_udp.c's SPARSENESS macro: the hash table is
// kept 75% empty to keep collision chains short.
const sparseness = 4

// ErrNoWork indicates a nonblocking recv found nothing pending.
var ErrNoWork = fmt.Errorf("udpxprt: no datagram pending")

// Endpoint owns a single UDP socket. Every request arriving on it
// reuses the same fd; no per-request socket is created. Per-request
// "clone" identity (spec §4.7) is a transport.Transport bookkeeping
// concept layered on top by the service, not a second socket here.
type Endpoint struct {
	fd   int
	port int
}

// Listen creates a UDP socket bound to host:port.
func Listen(host string, port int) (*Endpoint, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		return nil, fmt.Errorf("udpxprt: socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("udpxprt: setsockopt: %w", err)
	}

	sa := &unix.SockaddrInet4{Port: port}
	copy(sa.Addr[:], ipv4Bytes(host))
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("udpxprt: bind: %w", err)
	}

	boundAddr, err := unix.Getsockname(fd)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("udpxprt: getsockname: %w", err)
	}
	actualPort := port
	if in4, ok := boundAddr.(*unix.SockaddrInet4); ok {
		actualPort = in4.Port
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("udpxprt: set nonblock: %w", err)
	}

	return &Endpoint{fd: fd, port: actualPort}, nil
}

func ipv4Bytes(host string) [4]byte {
	if host == "" {
		return [4]byte{0, 0, 0, 0}
	}
	var a, b, c, d int
	if n, err := fmt.Sscanf(host, "%d.%d.%d.%d", &a, &b, &c, &d); n != 4 || err != nil {
		return [4]byte{0, 0, 0, 0}
	}
	return [4]byte{byte(a), byte(b), byte(c), byte(d)}
}

// FD returns the socket's file descriptor, for the poll set.
func (e *Endpoint) FD() int { return e.fd }

// Port returns the bound port.
func (e *Endpoint) Port() int { return e.port }

// Close closes the socket.
func (e *Endpoint) Close() error { return unix.Close(e.fd) }

// Datagram is one received request plus the peer address needed both
// to reply and to key the reply cache.
type Datagram struct {
	Payload []byte
	Peer    unix.Sockaddr
}

// Recv performs one nonblocking recvfrom. An empty socket reports
// ErrNoWork rather than blocking the poll thread.
func (e *Endpoint) Recv(buf []byte) (Datagram, error) {
	n, from, err := unix.Recvfrom(e.fd, buf, 0)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return Datagram{}, ErrNoWork
		}
		return Datagram{}, fmt.Errorf("udpxprt: recvfrom: %w", err)
	}
	return Datagram{Payload: buf[:n], Peer: from}, nil
}

// Send replies to peer with payload via sendto, matching
// xprt_sendto's direct reuse of the request's source address.
func (e *Endpoint) Send(payload []byte, peer unix.Sockaddr) error {
	if err := unix.Sendto(e.fd, payload, 0, peer); err != nil {
		return fmt.Errorf("udpxprt: sendto: %w", err)
	}
	return nil
}

// PeerKey renders a peer address into a comparable string for use as
// part of a CacheKey, standing in for cache_node's raw sockaddr_in
// comparison (EQADDR).
func PeerKey(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return fmt.Sprintf("%d.%d.%d.%d:%d", a.Addr[0], a.Addr[1], a.Addr[2], a.Addr[3], a.Port)
	default:
		return fmt.Sprintf("%v", sa)
	}
}

// CacheKey identifies one cached reply, mirroring cache_node's index
// fields: xid, proc, vers, prog, and the caller's address.
type CacheKey struct {
	Xid       uint32
	Program   uint32
	Version   uint32
	Procedure uint32
	Peer      string
}

type cacheNode struct {
	key   CacheKey
	reply []byte
}

// ReplyCache is a fixed-capacity FIFO of cached UDP replies, with a
// hash table sized sparseness*capacity for fast lookup. Grounded on
// cache_get/cache_set/CACHE_LOC in svc_udp.c; the reference's singly
// linked hash buckets are represented here as plain slices, which is
// the idiomatic Go equivalent of the same open-chaining scheme.
type ReplyCache struct {
	mu       sync.Mutex
	capacity int
	buckets  [][]*cacheNode
	fifo     []*cacheNode
	next     int
}

// NewReplyCache builds a cache holding up to capacity entries.
func NewReplyCache(capacity int) *ReplyCache {
	if capacity <= 0 {
		panic("udpxprt: reply cache capacity must be positive")
	}
	return &ReplyCache{
		capacity: capacity,
		buckets:  make([][]*cacheNode, sparseness*capacity),
		fifo:     make([]*cacheNode, capacity),
	}
}

func (c *ReplyCache) loc(xid uint32) int {
	return int(xid) % len(c.buckets)
}

// Get returns the cached reply for key, if present. The returned
// slice is the cache's own backing array and must not be mutated by
// the caller.
func (c *ReplyCache) Get(key CacheKey) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	loc := c.loc(key.Xid)
	for _, n := range c.buckets[loc] {
		if n.key == key {
			return n.reply, true
		}
	}
	return nil, false
}

// Set stores reply under key, evicting the oldest entry (by FIFO
// order) if the cache is at capacity.
func (c *ReplyCache) Set(key CacheKey, reply []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if victim := c.fifo[c.next]; victim != nil {
		c.removeFromBucketLocked(victim)
	}

	node := &cacheNode{key: key, reply: append([]byte(nil), reply...)}
	loc := c.loc(key.Xid)
	c.buckets[loc] = append(c.buckets[loc], node)
	c.fifo[c.next] = node
	c.next = (c.next + 1) % c.capacity
}

func (c *ReplyCache) removeFromBucketLocked(victim *cacheNode) {
	loc := c.loc(victim.key.Xid)
	bucket := c.buckets[loc]
	for i, n := range bucket {
		if n == victim {
			c.buckets[loc] = append(bucket[:i], bucket[i+1:]...)
			return
		}
	}
}

// GetByXidPeer looks up a cached reply by (xid, peer) alone, ignoring
// program/version/procedure. It lets a caller recognize a retransmit
// before it has decoded the rest of the call header, matching
// svcudp_recv's cache check happening immediately after the xid is
// known but before the full rpc_msg is consulted.
func (c *ReplyCache) GetByXidPeer(xid uint32, peer string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	loc := c.loc(xid)
	for _, n := range c.buckets[loc] {
		if n.key.Xid == xid && n.key.Peer == peer {
			return n.reply, true
		}
	}
	return nil, false
}

// Capacity returns the maximum number of entries the cache holds.
func (c *ReplyCache) Capacity() int { return c.capacity }
