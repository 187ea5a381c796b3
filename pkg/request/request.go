// Package request holds the unit of work exchanged between a tag-layer
// caller and a Session: one outbound CIP/PCCC body plus the bookkeeping
// the session worker needs to send it, demultiplex its reply, and report
// completion back to the caller.
package request

import (
	"sync"

	"github.com/coriolis-automation/goeip/pkg/cip"
)

// Kind distinguishes how a Request's body should be framed on the wire.
type Kind int

const (
	KindUnconnected Kind = iota
	KindConnected
)

// AllowPacking marks whether a Request may be folded into a
// MultipleServicePacket by pkg/packer. Only connected CIP reads/writes on
// Logix-class PLCs are eligible; ForwardOpen, ForwardClose, PCCC, and
// fragmented transfers are never packed.
type Request struct {
	mu sync.Mutex

	TagID        uint64
	Kind         Kind
	AllowPacking bool

	// Body is the CIP (or PCCC-wrapped-in-CIP) service request, already
	// encoded (service byte, path, service-specific data) but without any
	// CPF or EIP encapsulation framing — the session adds that at send
	// time.
	Body []byte

	// Stamped by the session worker at send time, used to demultiplex the
	// reply (spec.md §4.2 "Demultiplexing rule").
	SenderContext uint64 // unconnected: EIP sender context
	ConnectionSeq uint16 // connected: CPF connection sequence number

	// Frag, if non-nil, marks this Request as one iteration of a
	// multi-packet fragmented CIP transfer (CipReadFrag/CipWriteFrag,
	// spec.md §4.4). A fragmented Request is never folded into a
	// MultipleServicePacket; the session resends it in place, advancing
	// through Frag, until a reply stops reporting PartialTransfer.
	Frag *Fragment

	status   Status
	err      error
	response []byte
	done     bool
	abort    bool

	ready chan struct{}
}

// Fragment carries the re-entry state for a fragmented read or write
// spanning more than one wire packet. The originating caller (pkg/client)
// owns the byte offset and any accumulated data inside the closures;
// pkg/session only calls them, never inspects the transfer's progress
// itself (spec.md §9: "encode fragmentation as a field on the originating
// Request rather than as extra session states").
type Fragment struct {
	// Advance is called once per PartialTransfer reply with that reply's
	// response data and returns the body to send for the next fragment.
	Advance func(respData []byte) ([]byte, error)

	// Finish is called once, on the terminal (status-OK) reply, with that
	// reply's response data. It returns the full logical response body the
	// caller should see in place of just the last fragment's data (e.g. a
	// fragmented read's accumulated bytes prefixed by the recorded type
	// descriptor).
	Finish func(respData []byte) []byte
}

// New creates a Request wrapping an already-encoded CIP body.
func New(tagID uint64, kind Kind, body []byte) *Request {
	return &Request{
		TagID:  tagID,
		Kind:   kind,
		Body:   body,
		status: StatusPending,
		ready:  make(chan struct{}),
	}
}

// Ready returns a channel closed exactly once, when Complete is first
// called. Callers that want a blocking single-request call (pkg/client)
// select on it alongside a context deadline.
func (r *Request) Ready() <-chan struct{} {
	return r.ready
}

// Abort requests cancellation. Safe to call from any goroutine. The
// session purges aborted-but-not-yet-sent requests from its queue and
// completes them with StatusAborted without ever touching the socket.
func (r *Request) Abort() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.abort = true
}

// Aborted reports whether Abort has been called.
func (r *Request) Aborted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.abort
}

// Complete marks the request finished with the given status, error and
// raw response bytes (CIP/PCCC service response, header stripped). Called
// exactly once by the session worker (or, for an abort, by the purge
// pass).
func (r *Request) Complete(status Status, err error, response []byte) {
	r.mu.Lock()
	if r.done {
		r.mu.Unlock()
		return
	}
	r.status = status
	r.err = err
	r.response = response
	r.done = true
	r.mu.Unlock()
	close(r.ready)
}

// Done reports whether the request has completed (successfully, with an
// error, or aborted).
func (r *Request) Done() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done
}

// Status returns the current status. Pending until Complete is called.
func (r *Request) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Err returns the completion error, if any.
func (r *Request) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Response returns the raw response bytes set by Complete.
func (r *Request) Response() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.response
}

// DecodeCIPResponse parses Response() as a MessageRouterResponse. Useful
// for single (non-packed) requests; packed sub-responses are synthesized
// by pkg/packer into the same shape so this works uniformly either way.
func (r *Request) DecodeCIPResponse() (*cip.MessageRouterResponse, error) {
	return cip.DecodeMessageRouterResponse(r.Response())
}

// Batch is a FIFO-ordered group of Requests destined for the same
// Session, as queued by the caller and consumed by the session worker.
type Batch struct {
	mu    sync.Mutex
	items []*Request
}

// NewBatch returns an empty, ready-to-use Batch.
func NewBatch() *Batch {
	return &Batch{}
}

// Push enqueues a request at the tail.
func (b *Batch) Push(r *Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items = append(b.items, r)
}

// PushFront re-queues a request at the head, ahead of everything already
// waiting. Used by the session to resend the next fragment of a
// multi-packet transfer immediately, rather than losing its place in line.
func (b *Batch) PushFront(r *Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items = append([]*Request{r}, b.items...)
}

// Len reports the number of queued (not yet removed) requests.
func (b *Batch) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// PurgeAborted removes and completes every request whose abort flag is
// set, in queue order, before the session looks at the queue head. This
// is step (a) of the process-requests sub-flow in spec.md §4.2.
func (b *Batch) PurgeAborted() {
	b.mu.Lock()
	defer b.mu.Unlock()
	kept := b.items[:0]
	for _, r := range b.items {
		if r.Aborted() {
			r.Complete(StatusAborted, ErrAborted, nil)
			continue
		}
		kept = append(kept, r)
	}
	b.items = kept
}

// DrainUpTo removes and returns up to n requests from the head, in order.
// Used by the session to pull a packable run for pkg/packer.
func (b *Batch) DrainUpTo(n int) []*Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n > len(b.items) {
		n = len(b.items)
	}
	out := make([]*Request, n)
	copy(out, b.items[:n])
	b.items = b.items[n:]
	return out
}

// Peek returns the head request without removing it, or nil if empty.
func (b *Batch) Peek() *Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.items) == 0 {
		return nil
	}
	return b.items[0]
}

// All returns a snapshot slice of every queued request, for batch-failure
// on a transport error.
func (b *Batch) All() []*Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Request, len(b.items))
	copy(out, b.items)
	return out
}

// Clear empties the queue without completing its members (the caller is
// expected to have already completed them, e.g. via FailAll).
func (b *Batch) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items = nil
}

// FailAll completes every queued request with the given status/error and
// empties the queue. Used on a hard transport failure (spec.md §4.5).
func (b *Batch) FailAll(status Status, err error) {
	b.mu.Lock()
	items := b.items
	b.items = nil
	b.mu.Unlock()

	for _, r := range items {
		r.Complete(status, err, nil)
	}
}
