// Package session drives one PLC connection end to end: dialing,
// RegisterSession, an optional ForwardOpen-backed Class 3 connection, and
// a steady-state loop that packs and sends queued requests. The state
// machine in run (spec.md §4.2) is the one piece of the original C
// tickler loop that has no clean non-blocking Go analogue as a single
// function; it is modeled instead as a goroutine that owns the socket
// exclusively and communicates with callers only through pkg/request's
// Batch queue and a small notify channel.
package session

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/coriolis-automation/goeip/internal"
	"github.com/coriolis-automation/goeip/pkg/cip"
	"github.com/coriolis-automation/goeip/pkg/eip"
	"github.com/coriolis-automation/goeip/pkg/packer"
	"github.com/coriolis-automation/goeip/pkg/request"
)

// Session is a managed, auto-reconnecting connection to one PLC gateway.
// Every field below the notify/closeCh line is owned exclusively by the
// run goroutine except where guarded by mu; callers only ever reach in
// through Submit, Close and the read-only accessors.
type Session struct {
	cfg    Config
	logger internal.Logger

	// dial is overridable so tests can point a Session at an in-process
	// fake gateway instead of a real socket.
	dial func(ctx context.Context, addr string) (net.Conn, error)

	queue  *request.Batch
	notify chan struct{} // size 1: "new work or state change"

	closeCh chan struct{}
	wg      sync.WaitGroup

	mu            sync.Mutex
	st            state
	sessionHandle eip.SessionHandle
	toConnID      uint32
	connSeq       uint16
	senderSeq     uint64
	maxPayload    int
	foParams      eip.ForwardOpenParams
	terminating   bool

	conn net.Conn // guarded by mu solely so Close can interrupt a blocked Read/Write

	// nextAfterClose is touched only by the run goroutine; it needs no lock.
	nextAfterClose state
}

// New validates cfg and starts a Session's worker goroutine. The worker
// begins dialing immediately; callers learn the outcome by submitting a
// request and observing its completion, not by blocking in New.
func New(cfg Config, logger internal.Logger) (*Session, error) {
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = internal.NopLogger()
	}
	s := &Session{
		cfg:    cfg,
		logger: logger.With("gateway", cfg.Gateway),
		dial: func(ctx context.Context, addr string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "tcp", addr)
		},
		queue:          request.NewBatch(),
		notify:         make(chan struct{}, 1),
		closeCh:        make(chan struct{}),
		st:             stateOpeningSocket,
		nextAfterClose: stateRetryWait,
	}
	s.wg.Add(1)
	go s.run()
	return s, nil
}

// Submit enqueues a request for the worker to send. It never blocks on
// the network; the caller observes completion via req.Ready().
func (s *Session) Submit(req *request.Request) error {
	s.mu.Lock()
	terminating := s.terminating
	s.mu.Unlock()
	if terminating {
		return fmt.Errorf("session: closed")
	}
	s.queue.Push(req)
	s.wake()
	return nil
}

// SendCIPRequest submits a single CIP request and blocks until it
// completes or ctx is done, for callers that want one tag at a time
// rather than pipelining a batch (pkg/client's convenience layer).
func (s *Session) SendCIPRequest(ctx context.Context, req *cip.MessageRouterRequest, kind request.Kind, allowPacking bool) (*cip.MessageRouterResponse, error) {
	body, err := req.Encode()
	if err != nil {
		return nil, err
	}
	r := request.New(0, kind, body)
	r.AllowPacking = allowPacking
	if err := s.Submit(r); err != nil {
		return nil, err
	}
	select {
	case <-r.Ready():
	case <-ctx.Done():
		r.Abort()
		s.wake()
		return nil, ctx.Err()
	}
	resp, err := r.DecodeCIPResponse()
	if err != nil {
		if rerr := r.Err(); rerr != nil {
			return nil, rerr
		}
		return nil, err
	}
	return resp, nil
}

// SendFragmented submits a Request carrying frag and blocks until the
// whole multi-packet transfer completes (or ctx is done): firstBody is
// the encoded CIP body for the first fragment, and frag.Advance/Finish
// drive every subsequent round trip (spec.md §4.4, §9). Used by
// pkg/client for reads/writes too large for a single CipReadFrag/
// CipWriteFrag packet.
func (s *Session) SendFragmented(ctx context.Context, firstBody []byte, kind request.Kind, frag *request.Fragment) (*cip.MessageRouterResponse, error) {
	r := request.New(0, kind, firstBody)
	r.Frag = frag
	if err := s.Submit(r); err != nil {
		return nil, err
	}
	select {
	case <-r.Ready():
	case <-ctx.Done():
		r.Abort()
		s.wake()
		return nil, ctx.Err()
	}
	resp, err := r.DecodeCIPResponse()
	if err != nil {
		if rerr := r.Err(); rerr != nil {
			return nil, rerr
		}
		return nil, err
	}
	return resp, nil
}

// MaxPayload reports the currently effective maximum CIP payload size in
// bytes: the negotiated ForwardOpen size once a connection is live, or the
// PLC-kind default guess before that. pkg/client uses this to decide
// whether a read or write must be fragmented across more than one packet.
func (s *Session) MaxPayload() int {
	return s.effectiveMaxPayload()
}

// Close stops the worker: it finishes or aborts the in-flight request,
// runs ForwardClose/UnregisterSession if a connection is live, closes the
// socket and returns. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	already := s.terminating
	s.terminating = true
	conn := s.conn
	s.mu.Unlock()
	if !already {
		close(s.closeCh)
		s.wake()
		// Interrupting any in-flight read/write lets a worker blocked
		// mid-handshake notice the shutdown immediately instead of
		// waiting out its own request timeout; net.Conn.Close is safe
		// to call concurrently with a pending Read/Write.
		if conn != nil {
			_ = conn.Close()
		}
	}
	s.wg.Wait()
	return nil
}

// State reports the worker's current lifecycle state, for tests and
// diagnostics only.
func (s *Session) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.String()
}

func (s *Session) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Session) hasConnection() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.toConnID != 0
}

func (s *Session) nextSenderContext() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.senderSeq++
	return s.senderSeq
}

func (s *Session) nextConnSeq() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connSeq++
	return s.connSeq
}

func (s *Session) effectiveMaxPayload() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.maxPayload <= 0 {
		return int(s.cfg.PlcKind.DefaultPayloadGuess(false))
	}
	return s.maxPayload
}

func (s *Session) setState(st state) {
	s.mu.Lock()
	s.st = st
	s.mu.Unlock()
}

// run is the worker loop. Each doXxx method performs the work of one
// node in the spec.md §4.2 state diagram and returns the next node.
func (s *Session) run() {
	defer s.wg.Done()
	attempt := 0

	for {
		s.mu.Lock()
		st := s.st
		s.mu.Unlock()

		switch st {
		case stateOpeningSocket:
			st = s.doOpenSocket()
		case stateRegistering:
			st = s.doRegister()
		case stateForwardOpening:
			st = s.doForwardOpen()
		case stateIdle:
			attempt = 0
			st = s.doIdle()
		case stateProcessRequests:
			st = s.doProcessRequests()
		case stateForwardClosing:
			st = s.doForwardClose()
		case stateUnregistering:
			st = s.doUnregister()
		case stateClosingSocket:
			st = s.doCloseSocket()
		case stateRetryWait:
			st = s.doRetryWait(&attempt)
		case stateReconnectWait:
			st = s.doReconnectWait()
		case stateTerminated:
			s.setState(stateTerminated)
			return
		default:
			st = stateTerminated
		}

		s.setState(st)
	}
}

func (s *Session) doOpenSocket() state {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ConnectTimeout)
	defer cancel()
	conn, err := s.dial(ctx, s.cfg.Gateway)
	if err != nil {
		s.logger.Warnf("dial: %v", err)
		return stateRetryWait
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	return stateRegistering
}

func (s *Session) doRegister() state {
	body, err := eip.NewRegisterSessionData().Encode()
	if err != nil {
		s.logger.Errorf("register session: %v", err)
		return stateClosingSocket
	}
	if err := s.writeEncap(eip.CommandRegisterSession, body, 0, s.cfg.RegisterTimeout); err != nil {
		s.logger.Warnf("register session: %v", err)
		return stateClosingSocket
	}
	header, _, err := s.readEncap(s.cfg.RegisterTimeout)
	if err != nil {
		s.logger.Warnf("register session: %v", err)
		return stateClosingSocket
	}
	if header.Status != eip.StatusSuccess {
		s.logger.Warnf("register session: encap status 0x%08X", header.Status)
		return stateClosingSocket
	}
	s.mu.Lock()
	s.sessionHandle = header.SessionHandle
	s.mu.Unlock()
	s.logger.Infof("session registered, handle 0x%08X", header.SessionHandle)

	if s.cfg.useConnectedMsg() {
		return stateForwardOpening
	}
	s.mu.Lock()
	s.maxPayload = int(s.cfg.PlcKind.DefaultPayloadGuess(false))
	s.mu.Unlock()
	return stateIdle
}

func (s *Session) doForwardOpen() state {
	s.mu.Lock()
	p := s.foParams
	s.mu.Unlock()

	if p.VendorID == 0 {
		extended := s.cfg.PlcKind.PreferExtendedForwardOpen()
		p = eip.ForwardOpenParams{
			Extended:     extended,
			SizeGuess:    s.cfg.PlcKind.DefaultPayloadGuess(extended),
			OTConnID:     rand.Uint32(),
			SerialNumber: uint16(rand.Uint32()),
			VendorID:     s.cfg.VendorID,
			OrigSerial:   s.cfg.OriginatorSerialID,
			TimeoutMult:  3,
			OTRPI:        uint32(s.cfg.RequestTimeout / time.Microsecond),
			TORPI:        uint32(s.cfg.RequestTimeout / time.Microsecond),
			Path:         s.cfg.Path,
		}
	}

	req, err := eip.BuildForwardOpen(p)
	if err != nil {
		s.logger.Errorf("forward open: %v", err)
		return stateClosingSocket
	}
	raw, err := req.Encode()
	if err != nil {
		s.logger.Errorf("forward open encode: %v", err)
		return stateClosingSocket
	}
	respData, err := s.sendUnconnected(raw, s.nextSenderContext(), s.cfg.RequestTimeout)
	if err != nil {
		s.logger.Warnf("forward open: %v", err)
		return stateClosingSocket
	}
	resp, err := decodeCIPReply(respData)
	if err != nil {
		s.logger.Warnf("forward open decode: %v", err)
		return stateClosingSocket
	}

	if resp.IsSuccess() {
		fo, err := eip.ParseForwardOpenReply(resp.ResponseData)
		if err != nil {
			s.logger.Warnf("forward open reply: %v", err)
			return stateClosingSocket
		}
		s.mu.Lock()
		s.toConnID = fo.OTConnID
		s.foParams = p
		s.maxPayload = int(p.SizeGuess)
		s.mu.Unlock()
		s.logger.Infof("forward open established, O->T conn 0x%08X, T->O conn 0x%08X", fo.OTConnID, fo.TOConnID)
		return stateIdle
	}

	if resp.GeneralStatus == 0x01 && len(resp.ExtStatus) > 0 {
		if sz, ok := eip.SupportedSizeFromExtStatus(resp.ExtStatus); ok {
			s.logger.Debugf("forward open: PLC wants size %d, retrying", sz)
			p.SizeGuess = sz
			s.mu.Lock()
			s.foParams = p
			s.mu.Unlock()
			return stateForwardOpening
		}
		if uint32(resp.ExtStatus[0]) == eip.ExtStatusDuplicateConnection {
			p.SerialNumber++
			s.mu.Lock()
			s.foParams = p
			s.mu.Unlock()
			return stateForwardOpening
		}
	}
	if resp.GeneralStatus == cip.StatusServiceNotSupported {
		if p.Extended {
			s.logger.Debugf("forward open: extended form unsupported, retrying classic")
			p.Extended = false
			p.SizeGuess = s.cfg.PlcKind.DefaultPayloadGuess(false)
			s.mu.Lock()
			s.foParams = p
			s.mu.Unlock()
			return stateForwardOpening
		}
		s.logger.Infof("forward open unsupported, falling back to unconnected messaging")
		s.mu.Lock()
		s.maxPayload = int(s.cfg.PlcKind.DefaultPayloadGuess(false))
		s.foParams = eip.ForwardOpenParams{}
		s.mu.Unlock()
		return stateIdle
	}

	s.logger.Warnf("forward open failed, general status 0x%02X", resp.GeneralStatus)
	return stateClosingSocket
}

func (s *Session) doIdle() state {
	if s.queue.Len() > 0 {
		return stateProcessRequests
	}

	deadline := s.cfg.AutoDisconnect
	if deadline <= 0 {
		deadline = neverDisconnect
	}
	timer := time.NewTimer(deadline)
	defer timer.Stop()

	select {
	case <-s.closeCh:
		return s.graceClose(stateClosingSocket)
	case <-s.notify:
		return stateIdle
	case <-timer.C:
		s.logger.Debugf("auto-disconnect after %s idle", deadline)
		return s.graceClose(stateReconnectWait)
	}
}

// graceClose records what should happen after the socket finishes
// closing and routes through ForwardClose/Unregister first if a
// connection is live.
func (s *Session) graceClose(after state) state {
	s.nextAfterClose = after
	if s.hasConnection() {
		return stateForwardClosing
	}
	return stateUnregistering
}

func (s *Session) doProcessRequests() state {
	s.queue.PurgeAborted()
	maxPayload := s.effectiveMaxPayload()
	reqs := packer.Select(s.queue, maxPayload)
	if len(reqs) == 0 {
		return stateIdle
	}

	if len(reqs) == 1 && reqs[0].Frag != nil {
		return s.doProcessFragment(reqs[0])
	}

	connected := s.hasConnection() && reqs[0].Kind == request.KindConnected
	body, err := packer.Pack(reqs)
	if err != nil {
		for _, r := range reqs {
			r.Complete(request.StatusBadFormat, err, nil)
		}
		return stateProcessRequests
	}

	var respData []byte
	if connected {
		respData, err = s.sendConnected(body, s.nextConnSeq(), s.cfg.RequestTimeout)
	} else {
		respData, err = s.sendUnconnected(body, s.nextSenderContext(), s.cfg.RequestTimeout)
	}
	if err != nil {
		s.logger.Warnf("process requests: %v", err)
		for _, r := range reqs {
			r.Complete(request.StatusConnectionLost, err, nil)
		}
		s.queue.FailAll(request.StatusConnectionLost, err)
		s.nextAfterClose = stateRetryWait
		return stateClosingSocket
	}

	resp, err := decodeCIPReply(respData)
	if err != nil {
		for _, r := range reqs {
			r.Complete(request.StatusBadFormat, err, nil)
		}
		return stateProcessRequests
	}
	if uerr := packer.Unpack(reqs, resp.Service, byte(resp.GeneralStatus), resp.ExtStatus, resp.ResponseData); uerr != nil {
		s.logger.Debugf("process requests: %v", uerr)
	}

	if s.queue.Len() > 0 {
		return stateProcessRequests
	}
	return stateIdle
}

// doProcessFragment drives one wire round trip of a fragmented CIP
// transfer (spec.md §4.4 testable property 7). On a PartialTransfer reply
// it advances the request in place via Frag.Advance and resubmits it at
// the head of the queue instead of completing it; the loop only
// terminates the request on a non-PartialTransfer status, never on
// PartialTransfer itself.
func (s *Session) doProcessFragment(r *request.Request) state {
	if r.Aborted() {
		r.Complete(request.StatusAborted, request.ErrAborted, nil)
		return stateProcessRequests
	}

	connected := s.hasConnection() && r.Kind == request.KindConnected
	var respData []byte
	var err error
	if connected {
		respData, err = s.sendConnected(r.Body, s.nextConnSeq(), s.cfg.RequestTimeout)
	} else {
		respData, err = s.sendUnconnected(r.Body, s.nextSenderContext(), s.cfg.RequestTimeout)
	}
	if err != nil {
		s.logger.Warnf("process fragment: %v", err)
		r.Complete(request.StatusConnectionLost, err, nil)
		s.queue.FailAll(request.StatusConnectionLost, err)
		s.nextAfterClose = stateRetryWait
		return stateClosingSocket
	}

	resp, err := decodeCIPReply(respData)
	if err != nil {
		r.Complete(request.StatusBadFormat, err, nil)
		return stateProcessRequests
	}

	if byte(resp.GeneralStatus) == byte(cip.StatusPartialTransfer) {
		nextBody, aerr := r.Frag.Advance(resp.ResponseData)
		if aerr != nil {
			r.Complete(request.StatusBadFormat, aerr, nil)
			return stateProcessRequests
		}
		r.Body = nextBody
		s.queue.PushFront(r)
		return stateProcessRequests
	}

	status, serr := request.StatusFromCIP(byte(resp.GeneralStatus), extStatusToU16(resp.ExtStatus))
	final := resp.ResponseData
	if status == request.StatusOK {
		final = r.Frag.Finish(resp.ResponseData)
	}
	r.Complete(status, serr, synthesizeFragmentReply(resp, final))
	return stateProcessRequests
}

func (s *Session) doForwardClose() state {
	s.mu.Lock()
	p := s.foParams
	s.mu.Unlock()

	req, err := eip.BuildForwardClose(p.SerialNumber, p.VendorID, p.OrigSerial, p.Path)
	if err != nil {
		s.logger.Debugf("forward close: %v", err)
	} else if raw, err := req.Encode(); err == nil {
		// Best-effort and tightly bounded: the socket is going away
		// regardless (spec.md §4.2 state "forward-closing").
		if _, err := s.sendUnconnected(raw, s.nextSenderContext(), 150*time.Millisecond); err != nil {
			s.logger.Debugf("forward close: %v", err)
		}
	}

	s.mu.Lock()
	s.toConnID = 0
	s.foParams = eip.ForwardOpenParams{}
	s.mu.Unlock()
	return stateUnregistering
}

func (s *Session) doUnregister() state {
	s.mu.Lock()
	connected := s.conn != nil
	s.mu.Unlock()
	if connected {
		if err := s.writeEncap(eip.CommandUnregisterSession, nil, 0, 500*time.Millisecond); err != nil {
			s.logger.Debugf("unregister session: %v", err)
		}
	}
	return stateClosingSocket
}

func (s *Session) doCloseSocket() state {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.sessionHandle = 0
	terminating := s.terminating
	s.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}

	if terminating {
		s.queue.FailAll(request.StatusAborted, fmt.Errorf("session: closed"))
		return stateTerminated
	}
	next := s.nextAfterClose
	s.nextAfterClose = stateRetryWait
	return next
}

func (s *Session) doRetryWait(attempt *int) state {
	*attempt++
	timer := time.NewTimer(retryBackoff(*attempt))
	defer timer.Stop()
	select {
	case <-s.closeCh:
		return stateTerminated
	case <-timer.C:
		return stateOpeningSocket
	}
}

// doReconnectWait blocks indefinitely for the next request after a
// graceful idle auto-disconnect; unlike retry-wait, there is no timer
// here — nothing reconnects until a caller has something to send
// (spec.md §4.2 state "reconnect-wait").
func (s *Session) doReconnectWait() state {
	select {
	case <-s.closeCh:
		return stateTerminated
	case <-s.notify:
		if s.queue.Len() > 0 {
			return stateOpeningSocket
		}
		return stateReconnectWait
	}
}

func retryBackoff(attempt int) time.Duration {
	base := 5 * time.Second
	if attempt > 5 {
		base = 30 * time.Second
	}
	return base + time.Duration(rand.Intn(1000))*time.Millisecond
}
