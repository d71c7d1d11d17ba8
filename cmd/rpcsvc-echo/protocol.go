// The echo demo's wire format is intentionally not real ONC-RPC XDR —
// framing and argument encoding are a Non-goal of the runtime this
// binary exercises (see internal/collab). It is the minimum fixed
// header a CodecFactory needs to populate a transport.RequestScratch
// and round-trip an argument byte string.
package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/behrlich/go-rpcsvc"
	"github.com/behrlich/go-rpcsvc/internal/collab"
	"github.com/behrlich/go-rpcsvc/internal/transport"
)

// headerLen is xid, program, version, procedure, auth flavor, creds
// length, each a big-endian uint32.
const headerLen = 6 * 4

// streamCodec frames one call per Recv over a record-oriented
// io.ReadWriter, matching the record the teacher's tcpxprt.Connection
// exposes: a fixed header, credentials bytes, then argument bytes,
// each length-prefixed.
type streamCodec struct {
	scratch *transport.RequestScratch
	rw      io.ReadWriter
	args    []byte
}

func newStreamCodec(scratch *transport.RequestScratch, rw io.ReadWriter) collab.Codec {
	return &streamCodec{scratch: scratch, rw: rw}
}

func (c *streamCodec) Recv(ctx context.Context) (bool, error) {
	buf := make([]byte, headerLen)
	n, err := c.rw.Read(buf)
	if err != nil {
		if err == io.EOF {
			return false, nil
		}
		return false, err
	}
	if n < headerLen {
		return false, fmt.Errorf("echo codec: short header (%d bytes)", n)
	}

	c.scratch.Xid = binary.BigEndian.Uint32(buf[0:4])
	c.scratch.Program = binary.BigEndian.Uint32(buf[4:8])
	c.scratch.Version = binary.BigEndian.Uint32(buf[8:12])
	c.scratch.Procedure = binary.BigEndian.Uint32(buf[12:16])
	c.scratch.AuthFlavor = binary.BigEndian.Uint32(buf[16:20])
	credsLen := binary.BigEndian.Uint32(buf[20:24])

	if credsLen > 0 {
		creds := make([]byte, credsLen)
		if _, err := io.ReadFull(c.rw, creds); err != nil {
			return false, fmt.Errorf("echo codec: read credentials: %w", err)
		}
		c.scratch.Credentials = creds
	} else {
		c.scratch.Credentials = nil
	}

	var argLenBuf [4]byte
	if _, err := io.ReadFull(c.rw, argLenBuf[:]); err != nil {
		return false, fmt.Errorf("echo codec: read arg length: %w", err)
	}
	argLen := binary.BigEndian.Uint32(argLenBuf[:])
	args := make([]byte, argLen)
	if argLen > 0 {
		if _, err := io.ReadFull(c.rw, args); err != nil {
			return false, fmt.Errorf("echo codec: read args: %w", err)
		}
	}
	c.args = args

	return true, nil
}

func (c *streamCodec) GetArgs(argsOut any) error {
	dst, ok := argsOut.(*[]byte)
	if !ok {
		return fmt.Errorf("echo codec: GetArgs expects *[]byte, got %T", argsOut)
	}
	*dst = c.args
	return nil
}

func (c *streamCodec) Reply(result any) error {
	payload := encodeReply(c.scratch.Xid, result)
	_, err := c.rw.Write(payload)
	return err
}

func (c *streamCodec) FreeArgs() error {
	c.args = nil
	return nil
}

func (c *streamCodec) Close() error { return nil }

// datagramCodec handles one already-received UDP payload using the
// same header layout as streamCodec, but over an in-memory buffer and
// a send callback rather than a live connection.
type datagramCodec struct {
	scratch *transport.RequestScratch
	send    func([]byte) error
	args    []byte
	decoded bool
}

func newDatagramCodec(scratch *transport.RequestScratch, payload []byte, send func([]byte) error) collab.Codec {
	return &datagramCodec{scratch: scratch, send: send, args: decodePayload(scratch, payload)}
}

// decodePayload fills scratch eagerly since the whole datagram is
// already in memory; Recv just reports whether decoding succeeded.
func decodePayload(scratch *transport.RequestScratch, payload []byte) []byte {
	if len(payload) < headerLen+4 {
		return nil
	}
	scratch.Xid = binary.BigEndian.Uint32(payload[0:4])
	scratch.Program = binary.BigEndian.Uint32(payload[4:8])
	scratch.Version = binary.BigEndian.Uint32(payload[8:12])
	scratch.Procedure = binary.BigEndian.Uint32(payload[12:16])
	scratch.AuthFlavor = binary.BigEndian.Uint32(payload[16:20])
	credsLen := binary.BigEndian.Uint32(payload[20:24])

	off := headerLen
	if uint32(len(payload)-off) < credsLen+4 {
		return nil
	}
	if credsLen > 0 {
		scratch.Credentials = append([]byte(nil), payload[off:off+int(credsLen)]...)
	} else {
		scratch.Credentials = nil
	}
	off += int(credsLen)

	argLen := binary.BigEndian.Uint32(payload[off : off+4])
	off += 4
	if uint32(len(payload)-off) < argLen {
		return nil
	}
	return append([]byte(nil), payload[off:off+int(argLen)]...)
}

func (c *datagramCodec) Recv(ctx context.Context) (bool, error) {
	if c.decoded {
		return false, nil
	}
	c.decoded = true
	if c.args == nil {
		return false, fmt.Errorf("echo codec: malformed datagram")
	}
	return true, nil
}

func (c *datagramCodec) GetArgs(argsOut any) error {
	dst, ok := argsOut.(*[]byte)
	if !ok {
		return fmt.Errorf("echo codec: GetArgs expects *[]byte, got %T", argsOut)
	}
	*dst = c.args
	return nil
}

func (c *datagramCodec) Reply(result any) error {
	return c.send(encodeReply(c.scratch.Xid, result))
}

func (c *datagramCodec) FreeArgs() error {
	c.args = nil
	return nil
}

func (c *datagramCodec) Close() error { return nil }

// encodeReply builds the reply datagram: xid, a one-byte status (0 ok,
// 1 rejected), then either a 4-byte big-endian length followed by the
// echoed argument bytes, or the rejection kind as a single byte.
func encodeReply(xid uint32, result any) []byte {
	switch v := result.(type) {
	case rpcsvc.RejectionReply:
		buf := make([]byte, 6)
		binary.BigEndian.PutUint32(buf[0:4], xid)
		buf[4] = 1
		buf[5] = byte(v.Kind)
		return buf
	case []byte:
		buf := make([]byte, 9+len(v))
		binary.BigEndian.PutUint32(buf[0:4], xid)
		buf[4] = 0
		binary.BigEndian.PutUint32(buf[5:9], uint32(len(v)))
		copy(buf[9:], v)
		return buf
	default:
		buf := make([]byte, 6)
		binary.BigEndian.PutUint32(buf[0:4], xid)
		buf[4] = 1
		buf[5] = byte(rpcsvc.RejectSystemError)
		return buf
	}
}

type codecFactory struct{}

func (codecFactory) NewStreamCodec(scratch *transport.RequestScratch, rw io.ReadWriter) collab.Codec {
	return newStreamCodec(scratch, rw)
}

func (codecFactory) NewDatagramCodec(scratch *transport.RequestScratch, payload []byte, send func([]byte) error) collab.Codec {
	return newDatagramCodec(scratch, payload, send)
}
