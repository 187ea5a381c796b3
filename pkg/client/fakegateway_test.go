package client

import (
	"encoding/binary"
	"net"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/coriolis-automation/goeip/pkg/eip"
)

// fakeGateway is a minimal in-process EIP/CIP encapsulation server used to
// exercise Client/ReconnectingClient against the real wire format rather
// than a hand-rolled Transport mock. It registers every session and
// forward-opens every connected request successfully, then answers every
// CIP service request with script (or a bare success if script is nil).
type fakeGateway struct {
	ln net.Listener

	scriptMu sync.Mutex
	script   func(reqBody []byte) []byte

	// refuseFirstN, if set, makes the first N accepted connections close
	// immediately without responding, simulating N connection failures
	// before the gateway starts behaving (for ReconnectingClient tests).
	refuseFirstN int32
	refused      int32
}

// setScript installs the responder a test wants the gateway to use. Safe
// to call before or after the gateway starts accepting connections.
func (g *fakeGateway) setScript(fn func(reqBody []byte) []byte) {
	g.scriptMu.Lock()
	defer g.scriptMu.Unlock()
	g.script = fn
}

func newFakeGateway(t *testing.T) *fakeGateway {
	return newFakeGatewayRefusing(t, 0)
}

// newFakeGatewayRefusing builds a fake gateway whose first refuseFirstN
// accepted connections are dropped immediately (no RegisterSession reply),
// simulating that many connection failures before it starts behaving.
func newFakeGatewayRefusing(t *testing.T, refuseFirstN int32) *fakeGateway {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	g := &fakeGateway{ln: ln, refuseFirstN: refuseFirstN}
	go g.acceptLoop()
	t.Cleanup(func() { _ = ln.Close() })
	return g
}

func (g *fakeGateway) addr() string { return g.ln.Addr().String() }

func (g *fakeGateway) acceptLoop() {
	for {
		conn, err := g.ln.Accept()
		if err != nil {
			return
		}
		if atomic.LoadInt32(&g.refused) < g.refuseFirstN {
			atomic.AddInt32(&g.refused, 1)
			conn.Close()
			continue
		}
		go g.serve(conn)
	}
}

func (g *fakeGateway) serve(conn net.Conn) {
	defer conn.Close()
	for {
		hdr := &eip.EncapsulationHeader{}
		if err := hdr.Decode(conn); err != nil {
			return
		}
		var payload []byte
		if hdr.Length > 0 {
			payload = make([]byte, hdr.Length)
			if _, err := readFullConn(conn, payload); err != nil {
				return
			}
		}
		switch hdr.Command {
		case eip.CommandRegisterSession:
			body, _ := eip.NewRegisterSessionData().Encode()
			out := eip.EncapsulationHeader{
				Command:       eip.CommandRegisterSession,
				Length:        uint16(len(body)),
				SessionHandle: 0x01020304,
				SenderContext: hdr.SenderContext,
			}
			out.Encode(conn)
			conn.Write(body)
		case eip.CommandUnregisterSession:
			return
		case eip.CommandSendRRData:
			if !g.replyRRData(conn, hdr, payload) {
				return
			}
		case eip.CommandSendUnitData:
			if !g.replyUnitData(conn, hdr, payload) {
				return
			}
		default:
			return
		}
	}
}

func readFullConn(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (g *fakeGateway) reply(reqBody []byte) []byte {
	g.scriptMu.Lock()
	script := g.script
	g.scriptMu.Unlock()
	if script != nil {
		return script(reqBody)
	}
	if len(reqBody) == 0 {
		return []byte{0x00, 0x00, 0x00, 0x00}
	}
	svc := reqBody[0]
	if svc == 0x54 || svc == 0x5B {
		return forwardOpenReply(svc)
	}
	return []byte{svc | 0x80, 0x00, 0x00, 0x00}
}

func forwardOpenReply(reqSvc byte) []byte {
	body := make([]byte, 0, 26)
	body = binary.LittleEndian.AppendUint32(body, 0x11111111)
	body = binary.LittleEndian.AppendUint32(body, 0x22222222)
	body = binary.LittleEndian.AppendUint16(body, 0x0001)
	body = binary.LittleEndian.AppendUint16(body, 0x0001)
	body = binary.LittleEndian.AppendUint32(body, 0x00000001)
	body = binary.LittleEndian.AppendUint32(body, 0)
	body = binary.LittleEndian.AppendUint32(body, 0)
	out := []byte{reqSvc | 0x80, 0x00, 0x00, 0x00}
	return append(out, body...)
}

func (g *fakeGateway) replyRRData(conn net.Conn, req *eip.EncapsulationHeader, payload []byte) bool {
	if len(payload) < 6 {
		return false
	}
	cpf, err := eip.DecodeCommonPacketFormat(payload[6:])
	if err != nil {
		return false
	}
	item := cpf.FindItemByType(eip.ItemIDUnconnectedMessage)
	if item == nil {
		return false
	}

	respCIP := g.reply(item.Data)
	respCPF, _ := eip.NewCommonPacketFormat(
		eip.NewCPFItem(eip.ItemIDNullAddress, nil),
		eip.NewCPFItem(eip.ItemIDUnconnectedMessage, respCIP),
	).Encode()
	rrData := make([]byte, 6+len(respCPF))
	copy(rrData[6:], respCPF)

	out := eip.EncapsulationHeader{
		Command:       eip.CommandSendRRData,
		Length:        uint16(len(rrData)),
		SessionHandle: req.SessionHandle,
		SenderContext: req.SenderContext,
	}
	out.Encode(conn)
	conn.Write(rrData)
	return true
}

func (g *fakeGateway) replyUnitData(conn net.Conn, req *eip.EncapsulationHeader, payload []byte) bool {
	if len(payload) < 6 {
		return false
	}
	cpf, err := eip.DecodeCommonPacketFormat(payload[6:])
	if err != nil {
		return false
	}
	item := cpf.FindItemByType(eip.ItemIDConnectedData)
	if item == nil || len(item.Data) < 2 {
		return false
	}
	connSeq := item.Data[0:2]
	body := item.Data[2:]

	respCIP := g.reply(body)
	seqAndBody := make([]byte, 2+len(respCIP))
	copy(seqAndBody[0:2], connSeq)
	copy(seqAndBody[2:], respCIP)

	addr := make([]byte, 4)
	binary.LittleEndian.PutUint32(addr, 0xAABBCCDD)
	respCPF, _ := eip.NewCommonPacketFormat(
		eip.NewCPFItem(eip.ItemIDConnectedAddress, addr),
		eip.NewCPFItem(eip.ItemIDConnectedData, seqAndBody),
	).Encode()
	unitData := make([]byte, 6+len(respCPF))
	copy(unitData[6:], respCPF)

	out := eip.EncapsulationHeader{
		Command:       eip.CommandSendUnitData,
		Length:        uint16(len(unitData)),
		SessionHandle: req.SessionHandle,
	}
	out.Encode(conn)
	conn.Write(unitData)
	return true
}
