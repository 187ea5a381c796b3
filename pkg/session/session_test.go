package session

import (
	"context"
	"encoding/binary"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coriolis-automation/goeip/internal"
	"github.com/coriolis-automation/goeip/pkg/cip"
	"github.com/coriolis-automation/goeip/pkg/eip"
	"github.com/coriolis-automation/goeip/pkg/request"
)

// fakeGateway is a minimal in-process stand-in for a PLC's EIP/CIP
// encapsulation server: just enough of RegisterSession, ForwardOpen and
// SendRRData/SendUnitData to drive the Session worker over its real wire
// format (spec.md §4.2), rather than mocking an internal Go interface.
type fakeGateway struct {
	ln net.Listener

	scriptMu sync.Mutex
	// script answers one decoded CIP request body with the CIP reply body
	// to send back (service|0x80, reserved, status, ext-count, ...). Tests
	// override it via setScript; the default handles ForwardOpen and
	// otherwise echoes a bare success for whatever service was asked.
	script func(reqBody []byte) []byte
}

func newFakeGateway(t *testing.T) *fakeGateway {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	g := &fakeGateway{ln: ln, script: genericSuccessReply}
	go g.acceptLoop()
	t.Cleanup(func() { _ = ln.Close() })
	return g
}

// setScript installs the responder a test wants the gateway to use. Safe
// to call before or after the gateway starts accepting connections.
func (g *fakeGateway) setScript(fn func(reqBody []byte) []byte) {
	g.scriptMu.Lock()
	defer g.scriptMu.Unlock()
	g.script = fn
}

func (g *fakeGateway) getScript() func(reqBody []byte) []byte {
	g.scriptMu.Lock()
	defer g.scriptMu.Unlock()
	return g.script
}

func (g *fakeGateway) addr() string { return g.ln.Addr().String() }

func (g *fakeGateway) acceptLoop() {
	for {
		conn, err := g.ln.Accept()
		if err != nil {
			return
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
			if _, err := readFull(conn, payload); err != nil {
				return
			}
		}
		switch hdr.Command {
		case eip.CommandRegisterSession:
			g.replyRegister(conn, hdr)
		case eip.CommandUnregisterSession:
			return
		case eip.CommandSendRRData:
			if !g.replySendRRData(conn, hdr, payload) {
				return
			}
		case eip.CommandSendUnitData:
			if !g.replySendUnitData(conn, hdr, payload) {
				return
			}
		default:
			return
		}
	}
}

func readFull(conn net.Conn, buf []byte) (int, error) {
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

func (g *fakeGateway) replyRegister(conn net.Conn, req *eip.EncapsulationHeader) {
	body, _ := eip.NewRegisterSessionData().Encode()
	hdr := eip.EncapsulationHeader{
		Command:       eip.CommandRegisterSession,
		Length:        uint16(len(body)),
		SessionHandle: 0x01020304,
		SenderContext: req.SenderContext,
	}
	hdr.Encode(conn)
	conn.Write(body)
}

// replySendRRData dispatches an unconnected CIP request (ForwardOpen or a
// tag-layer request sent without a live connection) through g.script, then
// wraps the reply bytes in a SendRRData envelope.
func (g *fakeGateway) replySendRRData(conn net.Conn, req *eip.EncapsulationHeader, payload []byte) bool {
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

	respCIP := g.getScript()(item.Data)

	respCPF, _ := eip.NewCommonPacketFormat(
		eip.NewCPFItem(eip.ItemIDNullAddress, nil),
		eip.NewCPFItem(eip.ItemIDUnconnectedMessage, respCIP),
	).Encode()
	rrData := make([]byte, 6+len(respCPF))
	copy(rrData[6:], respCPF)

	hdr := eip.EncapsulationHeader{
		Command:       eip.CommandSendRRData,
		Length:        uint16(len(rrData)),
		SessionHandle: req.SessionHandle,
		SenderContext: req.SenderContext,
	}
	hdr.Encode(conn)
	conn.Write(rrData)
	return true
}

func (g *fakeGateway) replySendUnitData(conn net.Conn, req *eip.EncapsulationHeader, payload []byte) bool {
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

	respCIP := g.getScript()(body)

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

	hdr := eip.EncapsulationHeader{
		Command:       eip.CommandSendUnitData,
		Length:        uint16(len(unitData)),
		SessionHandle: req.SessionHandle,
	}
	hdr.Encode(conn)
	conn.Write(unitData)
	return true
}

const (
	fakeServiceForwardOpen   = 0x54
	fakeServiceForwardOpenEx = 0x5B
)

// genericSuccessReply special-cases ForwardOpen (which needs a real
// connection-id body to parse) and otherwise echoes a bare service-success
// reply with no response data, enough for requests a test doesn't care
// about the payload of.
func genericSuccessReply(reqBody []byte) []byte {
	if len(reqBody) == 0 {
		return []byte{0x00, 0x00, 0x00, 0x00}
	}
	svc := reqBody[0]
	if svc == fakeServiceForwardOpen || svc == fakeServiceForwardOpenEx {
		return forwardOpenSuccessReply(svc)
	}
	return []byte{svc | 0x80, 0x00, 0x00, 0x00}
}

func forwardOpenSuccessReply(reqSvc byte) []byte {
	body := make([]byte, 0, 26)
	body = binary.LittleEndian.AppendUint32(body, 0x11111111) // O->T conn id
	body = binary.LittleEndian.AppendUint32(body, 0x22222222) // T->O conn id
	body = binary.LittleEndian.AppendUint16(body, 0x0001)     // serial
	body = binary.LittleEndian.AppendUint16(body, 0x0001)     // vendor
	body = binary.LittleEndian.AppendUint32(body, 0x00000001) // orig serial
	body = binary.LittleEndian.AppendUint32(body, 0)          // O->T API
	body = binary.LittleEndian.AppendUint32(body, 0)          // T->O API
	out := []byte{reqSvc | 0x80, 0x00, 0x00, 0x00}
	return append(out, body...)
}

func testConfigUnconnected(gateway string) Config {
	cfg := DefaultConfig(gateway)
	no := false
	cfg.UseConnectedMsg = &no
	cfg.RegisterTimeout = 2 * time.Second
	cfg.RequestTimeout = 2 * time.Second
	cfg.ConnectTimeout = 2 * time.Second
	return cfg
}

func testConfigConnected(gateway string) Config {
	cfg := DefaultConfig(gateway)
	yes := true
	cfg.UseConnectedMsg = &yes
	cfg.Path = cip.BuildPath(0x02, 0x01, 0)
	cfg.RegisterTimeout = 2 * time.Second
	cfg.RequestTimeout = 2 * time.Second
	cfg.ConnectTimeout = 2 * time.Second
	return cfg
}

func waitForState(t *testing.T, s *Session, want string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("session never reached state %q, stuck at %q", want, s.State())
}

func testCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 3*time.Second)
}

func TestSession_RegistersAndGoesIdle_Unconnected(t *testing.T) {
	gw := newFakeGateway(t)
	s, err := New(testConfigUnconnected(gw.addr()), internal.NopLogger())
	require.NoError(t, err)
	defer s.Close()

	waitForState(t, s, "idle")
}

func TestSession_ForwardOpenThenIdle_Connected(t *testing.T) {
	gw := newFakeGateway(t)
	s, err := New(testConfigConnected(gw.addr()), internal.NopLogger())
	require.NoError(t, err)
	defer s.Close()

	waitForState(t, s, "idle")
	assert.Greater(t, s.MaxPayload(), 0)
}

func TestSession_SendCIPRequest_RoundTrips(t *testing.T) {
	gw := newFakeGateway(t)
	gw.setScript(func(reqBody []byte) []byte {
		return []byte{reqBody[0] | 0x80, 0x00, 0x00, 0x00, 0xC3, 0x00, 0x2A, 0x00}
	})
	s, err := New(testConfigUnconnected(gw.addr()), internal.NopLogger())
	require.NoError(t, err)
	defer s.Close()

	waitForState(t, s, "idle")

	p := cip.NewPath()
	p.AddSymbolicSegment("MyTag")
	req := cip.NewReadTagRequest(p, 1)

	ctx, cancel := testCtx()
	defer cancel()
	resp, err := s.SendCIPRequest(ctx, req, request.KindUnconnected, true)
	require.NoError(t, err)
	require.NoError(t, resp.Error())
	assert.Equal(t, []byte{0xC3, 0x00, 0x2A, 0x00}, resp.ResponseData)
}

func TestSession_SendFragmented_AdvancesOffsetAndTerminates(t *testing.T) {
	gw := newFakeGateway(t)

	// First two calls report PartialTransfer; the third (and final) call
	// reports success (spec.md §4.4 testable property 7).
	var callsMu sync.Mutex
	calls := 0
	gw.setScript(func(reqBody []byte) []byte {
		callsMu.Lock()
		calls++
		n := calls
		callsMu.Unlock()
		svc := reqBody[0]
		if n <= 2 {
			return []byte{svc | 0x80, 0x00, 0x06, 0x00, byte(n)}
		}
		return []byte{svc | 0x80, 0x00, 0x00, 0x00, byte(n)}
	})

	s, err := New(testConfigUnconnected(gw.addr()), internal.NopLogger())
	require.NoError(t, err)
	defer s.Close()
	waitForState(t, s, "idle")

	var advanceCalls, finishCalls int
	frag := &request.Fragment{
		Advance: func(respData []byte) ([]byte, error) {
			advanceCalls++
			return []byte{0x4C}, nil
		},
		Finish: func(respData []byte) []byte {
			finishCalls++
			return respData
		},
	}

	ctx, cancel := testCtx()
	defer cancel()
	resp, err := s.SendFragmented(ctx, []byte{0x4C}, request.KindUnconnected, frag)
	require.NoError(t, err)
	require.NoError(t, resp.Error())
	assert.Equal(t, 2, advanceCalls, "Advance runs once per PartialTransfer reply, never on the terminal one")
	assert.Equal(t, 1, finishCalls)
	callsMu.Lock()
	assert.Equal(t, 3, calls, "two PartialTransfer round trips plus the terminating one")
	callsMu.Unlock()
}

func TestSession_Close_IsIdempotentAndStopsWorker(t *testing.T) {
	gw := newFakeGateway(t)
	s, err := New(testConfigUnconnected(gw.addr()), internal.NopLogger())
	require.NoError(t, err)
	waitForState(t, s, "idle")

	require.NoError(t, s.Close())
	require.NoError(t, s.Close(), "Close must be idempotent")
	assert.Equal(t, "terminated", s.State())
}

func TestSession_SubmitAfterClose_Errors(t *testing.T) {
	gw := newFakeGateway(t)
	s, err := New(testConfigUnconnected(gw.addr()), internal.NopLogger())
	require.NoError(t, err)
	waitForState(t, s, "idle")
	require.NoError(t, s.Close())

	err = s.Submit(request.New(0, request.KindUnconnected, []byte{0x01}))
	assert.Error(t, err)
}

func TestSession_RetriesAfterRefusedConnection(t *testing.T) {
	// Nothing listens on this port: dial fails, and the worker must cycle
	// into retry-wait instead of getting stuck or panicking.
	s, err := New(testConfigUnconnected("127.0.0.1:1"), internal.NopLogger())
	require.NoError(t, err)
	defer s.Close()

	waitForState(t, s, "retry-wait")
}
