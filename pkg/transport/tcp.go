package transport

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/coriolis-automation/goeip/pkg/eip"
)

// Transport defines the interface for sending and receiving EIP packets
type Transport interface {
	Send(cmd eip.Command, data []byte, sessionHandle eip.SessionHandle) error
	Receive() (*eip.EncapsulationHeader, []byte, error)
	Close() error
}

// TCPTransport implements Transport using TCP. It is no longer the
// managed connection backing pkg/session (the session worker owns its
// net.Conn directly so it can vary read/write deadlines per state); this
// type now backs the one-shot, unregistered queries in
// pkg/client's ListIdentity/ListServices, where a single send/receive over a
// short-lived connection is all that's needed.
type TCPTransport struct {
	conn    net.Conn
	timeout time.Duration
}

// NewTCPTransport dials address (appending the default EtherNet/IP port
// if none was given) with a bounded connect timeout.
func NewTCPTransport(address string) (*TCPTransport, error) {
	return NewTCPTransportTimeout(address, 5*time.Second)
}

// NewTCPTransportTimeout is NewTCPTransport with an explicit connect/I-O
// deadline, used by callers that need tighter bounds than the default.
func NewTCPTransportTimeout(address string, timeout time.Duration) (*TCPTransport, error) {
	if !strings.Contains(address, ":") {
		address = address + ":44818"
	}

	conn, err := net.DialTimeout("tcp", address, timeout)
	if err != nil {
		return nil, err
	}
	return &TCPTransport{conn: conn, timeout: timeout}, nil
}

// Send sends an EIP packet with a zero sender context in the
// encapsulation header; SendWithContext sets an explicit one.
func (t *TCPTransport) Send(cmd eip.Command, data []byte, sessionHandle eip.SessionHandle) error {
	return t.SendWithContext(cmd, data, sessionHandle, 0)
}

// SendWithContext is Send with an explicit 8-byte sender context value.
func (t *TCPTransport) SendWithContext(cmd eip.Command, data []byte, sessionHandle eip.SessionHandle, senderContext uint64) error {
	header := eip.EncapsulationHeader{
		Command:       cmd,
		Length:        uint16(len(data)),
		SessionHandle: sessionHandle,
		Status:        0,
		Options:       0,
	}
	binary.LittleEndian.PutUint64(header.SenderContext[:], senderContext)

	if err := t.conn.SetWriteDeadline(t.deadline()); err != nil {
		return err
	}
	if err := header.Encode(t.conn); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	if len(data) > 0 {
		if _, err := t.conn.Write(data); err != nil {
			return fmt.Errorf("failed to write data: %w", err)
		}
	}
	return nil
}

// deadline returns the absolute deadline for the configured timeout, or
// the zero time (no deadline) when none was set — used directly by tests
// that construct a TCPTransport without NewTCPTransport.
func (t *TCPTransport) deadline() time.Time {
	if t.timeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(t.timeout)
}

// Receive receives an EIP packet, bounded by the transport's timeout.
func (t *TCPTransport) Receive() (*eip.EncapsulationHeader, []byte, error) {
	if err := t.conn.SetReadDeadline(t.deadline()); err != nil {
		return nil, nil, err
	}
	header := &eip.EncapsulationHeader{}
	if err := header.Decode(t.conn); err != nil {
		return nil, nil, fmt.Errorf("failed to read header: %w", err)
	}

	var data []byte
	if header.Length > 0 {
		data = make([]byte, header.Length)
		if _, err := io.ReadFull(t.conn, data); err != nil {
			return nil, nil, fmt.Errorf("failed to read data: %w", err)
		}
	}

	return header, data, nil
}

// Close closes the connection
func (t *TCPTransport) Close() error {
	return t.conn.Close()
}
