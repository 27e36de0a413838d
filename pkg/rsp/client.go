// Package rsp implements a client for the GDB Remote Serial Protocol: the
// wire format a remote debug stub speaks over a plain TCP socket.
//
// The packet framing and checksum follow the classic "$payload#hh" RSP
// presentation layer, grounded on the send/receive loop in
// aykevl-emculator's gdb-rsp.go (there implemented server-side; here the
// roles are reversed since lldbdap is the client connecting to the stub).
package rsp

import (
	"bytes"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const ioTimeout = 200 * time.Millisecond

// ErrorKind categorizes RSP-layer failures. These are the only kinds the
// client produces; callers match on Kind rather than on Go error types.
type ErrorKind int

const (
	ErrIO ErrorKind = iota
	ErrRemote
	ErrBadChecksum
	ErrUnexpectedReply
)

func (k ErrorKind) String() string {
	switch k {
	case ErrIO:
		return "io"
	case ErrRemote:
		return "remote"
	case ErrBadChecksum:
		return "bad checksum"
	case ErrUnexpectedReply:
		return "unexpected reply"
	default:
		return "unknown"
	}
}

// Error is the error type every exported Client method returns on failure.
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

func ioError(err error) error {
	return &Error{Kind: ErrIO, Msg: err.Error(), Err: err}
}

// StopReason classifies why the stub reported a stop.
type StopReason int

const (
	ReasonBreakpoint StopReason = iota
	ReasonStep
	ReasonSignal
	ReasonUnknown
)

func (r StopReason) String() string {
	switch r {
	case ReasonBreakpoint:
		return "breakpoint"
	case ReasonStep:
		return "step"
	case ReasonSignal:
		return "signal"
	default:
		return "unknown"
	}
}

// StopReply is a decoded "S"/"T" stop-reply packet.
type StopReply struct {
	Signal        byte
	ThreadID      *uint64
	Reason        StopReason
	UnknownReason string // set only when Reason == ReasonUnknown
}

// Client speaks RSP to one stub over one TCP connection.
type Client struct {
	conn  net.Conn
	noAck bool
	log   *logrus.Entry
}

// Connect dials 127.0.0.1:port and performs the connection-lifecycle
// handshake: banner drain, qSupported negotiation, optional no-ack mode,
// and a '?' sync.
func Connect(port int) (*Client, error) {
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	conn, err := net.DialTimeout("tcp", addr, ioTimeout)
	if err != nil {
		return nil, ioError(err)
	}

	c := &Client{conn: conn, log: logrus.WithField("component", "rsp")}
	c.drainBanner()

	if err := c.negotiate(); err != nil {
		conn.Close()
		return nil, err
	}
	if _, err := c.Send("?"); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

// Close releases the underlying TCP connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) drainBanner() {
	for {
		c.conn.SetReadDeadline(time.Now().Add(ioTimeout))
		var b [1]byte
		if _, err := c.conn.Read(b[:]); err != nil {
			return
		}
	}
}

func (c *Client) negotiate() error {
	reply, err := c.Send("qSupported:multiprocess+;qRelocInsn+")
	if err != nil {
		return err
	}
	if !strings.Contains(reply, "QStartNoAckMode+") {
		return nil
	}
	ackReply, err := c.Send("QStartNoAckMode")
	if err != nil {
		return err
	}
	if ackReply == "OK" {
		c.noAck = true
		c.log.Debug("entered no-ack mode")
	}
	return nil
}

// Send frames payload as an RSP packet, writes it, and, unless in no-ack
// mode, waits for the '+' ack byte. Payloads that begin with 'v',
// 'c', 's', or that equal "?" defer their reply: this returns an empty
// string immediately and callers observe the eventual stop reply via
// WaitForStop. Every other payload blocks for exactly one reply packet.
func (c *Client) Send(payload string) (string, error) {
	packet := fmt.Sprintf("$%s#%s", payload, checksum(payload))
	if err := c.writeAll([]byte(packet)); err != nil {
		return "", err
	}
	if !c.noAck {
		if err := c.expectAck(); err != nil {
			return "", err
		}
	}
	if defersReply(payload) {
		return "", nil
	}
	return c.recv()
}

func defersReply(payload string) bool {
	if payload == "?" {
		return true
	}
	if payload == "" {
		return false
	}
	switch payload[0] {
	case 'v', 'c', 's':
		return true
	default:
		return false
	}
}

func (c *Client) expectAck() error {
	b, err := c.readByte()
	if err != nil {
		return err
	}
	if b != '+' {
		return &Error{Kind: ErrUnexpectedReply, Msg: fmt.Sprintf("expected ack '+', got %q", b)}
	}
	return nil
}

// recv skips to the next '$', accumulates the payload up to '#', verifies
// the two-hex-digit checksum, and (outside no-ack mode) sends '+'.
func (c *Client) recv() (string, error) {
	for {
		b, err := c.readByte()
		if err != nil {
			return "", err
		}
		if b == '$' {
			break
		}
	}

	var buf bytes.Buffer
	for {
		b, err := c.readByte()
		if err != nil {
			return "", err
		}
		if b == '#' {
			break
		}
		buf.WriteByte(b)
	}

	h1, err := c.readByte()
	if err != nil {
		return "", err
	}
	h2, err := c.readByte()
	if err != nil {
		return "", err
	}

	payload := buf.String()
	want := checksum(payload)
	got := strings.ToLower(string([]byte{h1, h2}))
	if got != want {
		return "", &Error{Kind: ErrBadChecksum, Msg: fmt.Sprintf("want %s got %s", want, got)}
	}

	if !c.noAck {
		if err := c.writeAll([]byte{'+'}); err != nil {
			return "", err
		}
	}

	return payload, nil
}

// readByte reads one byte, retrying across read-deadline timeouts so a
// long-blocking call like WaitForStop stays correct under the same
// io-timeout plumbing used everywhere else. A non-timeout error is fatal.
func (c *Client) readByte() (byte, error) {
	var b [1]byte
	for {
		c.conn.SetReadDeadline(time.Now().Add(ioTimeout))
		_, err := c.conn.Read(b[:])
		if err == nil {
			return b[0], nil
		}
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			continue
		}
		return 0, ioError(err)
	}
}

func (c *Client) writeAll(data []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(ioTimeout))
	_, err := c.conn.Write(data)
	if err != nil {
		return ioError(err)
	}
	return nil
}

// checksum computes the RSP presentation-layer checksum: the unsigned sum
// of payload bytes mod 256, rendered as two lower-case hex digits.
func checksum(payload string) string {
	var sum byte
	for i := 0; i < len(payload); i++ {
		sum += payload[i]
	}
	return fmt.Sprintf("%02x", sum)
}

// SetSoftwareBreakpoint plants a software breakpoint at addr.
func (c *Client) SetSoftwareBreakpoint(addr uint64) error {
	reply, err := c.Send(fmt.Sprintf("Z0,%x,1", addr))
	if err != nil {
		return err
	}
	return rejectUnlessOK(reply)
}

// ClearSoftwareBreakpoint removes a previously planted software breakpoint.
func (c *Client) ClearSoftwareBreakpoint(addr uint64) error {
	reply, err := c.Send(fmt.Sprintf("z0,%x,1", addr))
	if err != nil {
		return err
	}
	return rejectUnlessOK(reply)
}

func rejectUnlessOK(reply string) error {
	if reply == "" || reply == "OK" {
		return nil
	}
	return &Error{Kind: ErrRemote, Msg: reply}
}

// ContinueAll resumes every thread; the eventual stop is observed via
// WaitForStop.
func (c *Client) ContinueAll() error {
	_, err := c.Send("vCont;c")
	return err
}

// StepThread single-steps tid. The stub's vCont;s does not carry a thread
// qualifier in the current wire command; tid is accepted for interface
// symmetry with a future vCont;s:<tid>.
func (c *Client) StepThread(tid uint64) error {
	_, err := c.Send("vCont;s")
	return err
}

// WaitForStop reads packets until one parses as a stop reply.
func (c *Client) WaitForStop() (*StopReply, error) {
	for {
		packet, err := c.recv()
		if err != nil {
			return nil, err
		}
		if reply := parseStopReply(packet); reply != nil {
			return reply, nil
		}
	}
}

func parseStopReply(packet string) *StopReply {
	if len(packet) >= 3 && packet[0] == 'S' {
		sig, err := strconv.ParseUint(packet[1:3], 16, 8)
		if err != nil {
			return nil
		}
		return &StopReply{Signal: byte(sig), Reason: ReasonSignal}
	}

	if len(packet) >= 3 && packet[0] == 'T' {
		sig, err := strconv.ParseUint(packet[1:3], 16, 8)
		if err != nil {
			return nil
		}
		reply := &StopReply{Signal: byte(sig), Reason: ReasonSignal}
		for _, kv := range strings.Split(packet[3:], ";") {
			if kv == "" {
				continue
			}
			parts := strings.SplitN(kv, ":", 2)
			if len(parts) != 2 {
				continue
			}
			key, val := parts[0], parts[1]
			switch key {
			case "thread":
				if tid, err := strconv.ParseUint(val, 16, 64); err == nil {
					reply.ThreadID = &tid
				}
			case "reason":
				switch val {
				case "breakpoint":
					reply.Reason = ReasonBreakpoint
				case "single-step":
					reply.Reason = ReasonStep
				default:
					reply.Reason = ReasonUnknown
					reply.UnknownReason = val
				}
			}
		}
		return reply
	}

	return nil
}
