// Package packer combines multiple queued CIP requests into one
// MultipleServicePacket (service 0x0A) when the negotiated payload and the
// requests' own packing eligibility allow it, and splits the reply back
// into per-request response buffers. Grounded on the MultipleService
// framing used by the retrieval pack's warlogix client, generalized to
// operate directly on pkg/request's Request/Batch types.
package packer

import (
	"encoding/binary"
	"fmt"

	"github.com/coriolis-automation/goeip/pkg/cip"
	"github.com/coriolis-automation/goeip/pkg/request"
)

// ServiceMultipleServicePacket is CIP service 0x0A against the Message
// Router object (class 2, instance 1).
const ServiceMultipleServicePacket cip.USINT = 0x0A

// StatusPartialBundledError (0x1E) lets an outer MultipleServicePacket
// reply carry per-sub-response statuses even though not every
// sub-response succeeded; any other non-zero outer status fails the
// whole batch (spec.md §4.3).
const StatusPartialBundledError byte = 0x1E

func messageRouterPath() cip.Path {
	p := cip.NewPath()
	p.AddClass(cip.ClassMessageRouter)
	p.AddInstance(1)
	return p
}

// Select drains as many packable requests as will fit under maxPayload
// from the head of the batch, honoring spec.md §4.3: the head request is
// always included (even if unpackable, as a singleton), and packing only
// continues while every included request (after the first) has
// AllowPacking set and the head request is connected.
func Select(b *request.Batch, maxPayload int) []*request.Request {
	head := b.Peek()
	if head == nil {
		return nil
	}
	if head.Kind != request.KindConnected || !head.AllowPacking {
		return b.DrainUpTo(1)
	}

	// Header overhead once packing begins: the MultipleServicePacket's own
	// outer framing (service byte + path-size byte + Message-Router path,
	// spec.md §4.3 "max_payload_size minus the MultipleService header")
	// plus the bundled count (2) and one offset (2) per included request.
	mrPath := messageRouterPath()
	headerBase := 1 + 1 + len(mrPath.Bytes()) + 2
	total := headerBase + 2 + len(head.Body)
	n := 1
	all := b.All()
	for n < len(all) {
		cand := all[n]
		if cand.Kind != request.KindConnected || !cand.AllowPacking {
			break
		}
		next := total + 2 + len(cand.Body)
		if next > maxPayload {
			break
		}
		total = next
		n++
	}
	return b.DrainUpTo(n)
}

// Pack builds the outbound CIP body for the given requests. For a
// singleton it is simply that request's own body; for more than one it is
// a MultipleServicePacket wrapping each request's body as a bundled
// sub-service.
func Pack(reqs []*request.Request) ([]byte, error) {
	if len(reqs) == 0 {
		return nil, fmt.Errorf("packer: no requests")
	}
	if len(reqs) == 1 {
		return reqs[0].Body, nil
	}
	if len(reqs) > 200 {
		return nil, fmt.Errorf("packer: too many requests in one batch (%d), max 200", len(reqs))
	}

	headerSize := 2 + len(reqs)*2
	offsets := make([]uint16, len(reqs))
	offset := uint16(headerSize)
	for i, r := range reqs {
		offsets[i] = offset
		offset += uint16(len(r.Body))
	}

	out := make([]byte, 0, int(offset)+4+len(messageRouterPath()))
	out = append(out, byte(ServiceMultipleServicePacket))
	mrPath := messageRouterPath()
	out = append(out, mrPath.LenWords())
	out = append(out, mrPath.Bytes()...)
	out = binary.LittleEndian.AppendUint16(out, uint16(len(reqs)))
	for _, o := range offsets {
		out = binary.LittleEndian.AppendUint16(out, o)
	}
	for _, r := range reqs {
		out = append(out, r.Body...)
	}
	return out, nil
}

// subResponse is one bundled response extracted from a MultipleService
// reply, shaped so it can be re-wrapped into a synthesized
// MessageRouterResponse header for the receiving Request.
type subResponse struct {
	service   byte
	status    byte
	extStatus []byte
	data      []byte
}

func parseMultiServiceReply(body []byte) ([]subResponse, error) {
	if len(body) < 2 {
		return nil, fmt.Errorf("packer: multi-service reply too short")
	}
	count := binary.LittleEndian.Uint16(body[0:2])
	minSize := 2 + int(count)*2
	if len(body) < minSize {
		return nil, fmt.Errorf("packer: multi-service reply too short for %d sub-responses", count)
	}

	offsets := make([]uint16, count)
	for i := 0; i < int(count); i++ {
		offsets[i] = binary.LittleEndian.Uint16(body[2+i*2 : 4+i*2])
	}

	out := make([]subResponse, count)
	for i := 0; i < int(count); i++ {
		start := int(offsets[i])
		end := len(body)
		if i < int(count)-1 {
			end = int(offsets[i+1])
		}
		if start >= len(body) || start > end {
			return nil, fmt.Errorf("packer: sub-response %d has invalid offset", i)
		}
		sub := body[start:end]
		if len(sub) < 4 {
			return nil, fmt.Errorf("packer: sub-response %d too short", i)
		}
		extSize := int(sub[3]) * 2
		dataStart := 4 + extSize
		if dataStart > len(sub) {
			return nil, fmt.Errorf("packer: sub-response %d extended status overruns body", i)
		}
		out[i] = subResponse{
			service:   sub[0],
			status:    sub[2],
			extStatus: sub[4:dataStart],
			data:      sub[dataStart:],
		}
	}
	return out, nil
}

// synthesizeHeader rebuilds a minimal MessageRouterResponse wire frame
// (service | 0x80, reserved, status, ext-status-size, ext-status, data) so
// a packed sub-response looks identical to a singleton reply to any
// caller that decodes it with cip.DecodeMessageRouterResponse.
func synthesizeHeader(s subResponse) []byte {
	out := make([]byte, 0, 4+len(s.extStatus)+len(s.data))
	out = append(out, s.service, 0x00, s.status, byte(len(s.extStatus)/2))
	out = append(out, s.extStatus...)
	out = append(out, s.data...)
	return out
}

// Unpack applies a reply body (the outer CIP response data, i.e. after
// the outer MessageRouterResponse header has already been decoded) to the
// requests that were packed together by Pack. For a singleton, reqs[0]
// receives replyBody verbatim re-framed as its own response via
// outerService/outerStatus. For a bundled reply it demultiplexes each
// sub-response to the matching request in order (spec.md §4.3's ordering
// guarantee).
func Unpack(reqs []*request.Request, outerService cip.USINT, outerStatus byte, outerExt []cip.UINT, replyBody []byte) error {
	if len(reqs) == 1 {
		status, err := request.StatusFromCIP(outerStatus, toU16(outerExt))
		header := make([]byte, 0, 4+len(replyBody))
		header = append(header, byte(outerService), 0x00, outerStatus, byte(len(outerExt)))
		for _, w := range outerExt {
			header = binary.LittleEndian.AppendUint16(header, uint16(w))
		}
		header = append(header, replyBody...)
		reqs[0].Complete(status, err, header)
		return nil
	}

	if outerStatus != 0 && outerStatus != StatusPartialBundledError {
		status, err := request.StatusFromCIP(outerStatus, toU16(outerExt))
		for _, r := range reqs {
			r.Complete(status, err, nil)
		}
		return fmt.Errorf("packer: bundled request failed with outer status 0x%02X", outerStatus)
	}

	subs, err := parseMultiServiceReply(replyBody)
	if err != nil {
		for _, r := range reqs {
			r.Complete(request.StatusBadFormat, err, nil)
		}
		return err
	}
	if len(subs) != len(reqs) {
		err := fmt.Errorf("packer: expected %d sub-responses, got %d", len(reqs), len(subs))
		for _, r := range reqs {
			r.Complete(request.StatusBadFormat, err, nil)
		}
		return err
	}

	for i, r := range reqs {
		s := subs[i]
		status, serr := request.StatusFromCIP(s.status, extBytesToU16(s.extStatus))
		r.Complete(status, serr, synthesizeHeader(s))
	}
	return nil
}

func toU16(ext []cip.UINT) []uint16 {
	out := make([]uint16, len(ext))
	for i, w := range ext {
		out[i] = uint16(w)
	}
	return out
}

func extBytesToU16(b []byte) []uint16 {
	out := make([]uint16, 0, len(b)/2)
	for i := 0; i+1 < len(b); i += 2 {
		out = append(out, binary.LittleEndian.Uint16(b[i:i+2]))
	}
	return out
}
