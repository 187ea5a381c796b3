// Package client is the tag-at-a-time convenience layer over pkg/session:
// a thin wrapper that builds CIP or PCCC requests, submits them and
// blocks for the reply, and decodes the result. It deliberately does not
// reimplement the tickler/worker thread the session already runs
// (spec.md §12.4) — every tag read and write here is just
// Session.SendCIPRequest (or SendFragmented for a multi-packet transfer)
// plus request encoding and response decoding. ListIdentity and
// ListServices (discovery.go) instead open their own short-lived
// pkg/transport connection.
package client

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"github.com/coriolis-automation/goeip/internal"
	"github.com/coriolis-automation/goeip/pkg/cip"
	"github.com/coriolis-automation/goeip/pkg/pccc"
	"github.com/coriolis-automation/goeip/pkg/registry"
	"github.com/coriolis-automation/goeip/pkg/request"
	"github.com/coriolis-automation/goeip/pkg/session"
)

// Client is a high-level EIP client bound to one PLC.
type Client struct {
	cfg     session.Config
	sess    *session.Session
	release func() error
	logger  internal.Logger

	pcccSeq uint32 // atomic; PCCC request-sequence counter for this client
}

// NewClient dials address with the default Config and returns a Client
// owning a dedicated (unshared) Session. Use NewClientWithConfig or
// NewClientFromRegistry for PLC-kind selection, connected-messaging
// tuning, or cross-client session sharing.
func NewClient(address string, logger internal.Logger) (*Client, error) {
	return NewClientWithConfig(session.DefaultConfig(address), logger)
}

// NewClientWithConfig builds a Client with an explicit Config, owning a
// dedicated Session regardless of cfg.ShareSession.
func NewClientWithConfig(cfg session.Config, logger internal.Logger) (*Client, error) {
	if logger == nil {
		logger = internal.NopLogger()
	}
	s, err := session.New(cfg, logger)
	if err != nil {
		return nil, err
	}
	return &Client{cfg: cfg, sess: s, release: s.Close, logger: logger}, nil
}

// NewClientFromRegistry acquires a (possibly shared) Session from reg per
// cfg.ShareSession, for callers that want several Clients against the
// same gateway/path to collapse onto one connection (spec.md §3).
func NewClientFromRegistry(reg *registry.Registry, cfg session.Config, logger internal.Logger) (*Client, error) {
	if logger == nil {
		logger = internal.NopLogger()
	}
	s, release, err := reg.Acquire(cfg, logger)
	if err != nil {
		return nil, err
	}
	return &Client{cfg: cfg, sess: s, release: release, logger: logger}, nil
}

// Close releases this Client's reference to its Session. For a shared
// Session the underlying connection only closes once every Client
// referencing it has released.
func (c *Client) Close() error {
	return c.release()
}

func (c *Client) ctx() (context.Context, context.CancelFunc) {
	timeout := c.cfg.RequestTimeout * 4
	if timeout <= 0 {
		timeout = 20_000_000_000 // 20s, belt-and-braces if RequestTimeout was left zero
	}
	return context.WithTimeout(context.Background(), timeout)
}

func (c *Client) kind() request.Kind {
	if c.cfg.UseConnectedMessaging() {
		return request.KindConnected
	}
	return request.KindUnconnected
}

func (c *Client) sendCIP(req *cip.MessageRouterRequest, allowPacking bool) (*cip.MessageRouterResponse, error) {
	ctx, cancel := c.ctx()
	defer cancel()
	return c.sess.SendCIPRequest(ctx, req, c.kind(), allowPacking)
}

func (c *Client) nextPCCCSeq() uint16 {
	n := atomic.AddUint32(&c.pcccSeq, 1)
	if n > 0xFFFF {
		atomic.StoreUint32(&c.pcccSeq, 1)
		n = 1
	}
	return uint16(n)
}

// ReadTag reads one element of tagName and returns the raw response
// payload: a 2-byte CIP data-type code followed by the element's bytes.
// PCCC-class PLC kinds (spec.md §6) treat tagName as a data-table address
// like "N7:10" instead of a symbolic tag name.
func (c *Client) ReadTag(tagName string) ([]byte, error) {
	if c.cfg.PlcKind.UsesPCCC() {
		return c.readTagPCCC(tagName, 1)
	}

	p, err := cip.EncodeSymbolicTag(tagName)
	if err != nil {
		return nil, err
	}

	if !c.cfg.PlcKind.SupportsFragmentedRead() {
		req := cip.NewReadTagRequest(p, 1)
		resp, err := c.sendCIP(req, true)
		if err != nil {
			return nil, err
		}
		if err := resp.Error(); err != nil {
			return nil, err
		}
		return resp.ResponseData, nil
	}

	// Logix-class tags always go over CipReadFrag (service 0x52, spec.md
	// §4.4): the byte offset is 0 for the first (and, for an ordinary
	// scalar tag, only) fragment. A reply that fits in one packet is
	// indistinguishable from a non-fragmented read and still packs into a
	// MultipleServicePacket alongside other small tags (spec.md S1/S2);
	// only a reply that actually reports PartialTransfer escalates to the
	// dedicated fragment loop.
	req := cip.NewReadTagFragmentedRequest(p, 1, 0)
	resp, err := c.sendCIP(req, true)
	if err != nil {
		return nil, err
	}
	if resp.GeneralStatus == cip.StatusPartialTransfer {
		return c.readTagFragmented(p, 1, resp.ResponseData)
	}
	if err := resp.Error(); err != nil {
		return nil, err
	}
	return resp.ResponseData, nil
}

// readTagFragmented drives the rest of a multi-packet CipReadFrag
// transfer once the first fragment has already reported PartialTransfer,
// accumulating data across fragments and terminating on general status 0
// (spec.md §4.4 testable property 7, scenario S3).
func (c *Client) readTagFragmented(p cip.Path, elements uint16, firstFragment []byte) ([]byte, error) {
	firstReply, err := cip.DecodeReadTagResponse(firstFragment)
	if err != nil {
		return nil, fmt.Errorf("client: decode read fragment: %w", err)
	}
	elemType := firstReply.Type
	accumulated := append([]byte(nil), firstReply.Data...)

	nextReq := cip.NewReadTagFragmentedRequest(p, elements, uint32(len(accumulated)))
	nextBody, err := nextReq.Encode()
	if err != nil {
		return nil, err
	}

	frag := &request.Fragment{
		Advance: func(respData []byte) ([]byte, error) {
			rtr, err := cip.DecodeReadTagResponse(respData)
			if err != nil {
				return nil, fmt.Errorf("client: decode read fragment: %w", err)
			}
			accumulated = append(accumulated, rtr.Data...)
			req := cip.NewReadTagFragmentedRequest(p, elements, uint32(len(accumulated)))
			return req.Encode()
		},
		Finish: func(respData []byte) []byte {
			if rtr, err := cip.DecodeReadTagResponse(respData); err == nil {
				accumulated = append(accumulated, rtr.Data...)
			}
			out := make([]byte, 0, 2+len(accumulated))
			out = binary.LittleEndian.AppendUint16(out, uint16(elemType))
			return append(out, accumulated...)
		},
	}

	ctx, cancel := c.ctx()
	defer cancel()
	resp, err := c.sess.SendFragmented(ctx, nextBody, c.kind(), frag)
	if err != nil {
		return nil, err
	}
	if err := resp.Error(); err != nil {
		return nil, err
	}
	return resp.ResponseData, nil
}

// ReadTagInto reads tagName and unmarshals its value into dst, which
// must be a pointer to a type pkg/cip.Unmarshal can decode.
func (c *Client) ReadTagInto(tagName string, dst any) error {
	data, err := c.ReadTag(tagName)
	if err != nil {
		return err
	}
	if len(data) < 2 {
		return fmt.Errorf("client: read-tag response too short to contain type code")
	}
	return cip.Unmarshal(data[2:], dst)
}

// ReadTimer reads a Timer-typed tag and decodes its three DINT members.
func (c *Client) ReadTimer(tagName string) (*cip.Timer, error) {
	data, err := c.ReadTag(tagName)
	if err != nil {
		return nil, err
	}
	if len(data) < 2 {
		return nil, fmt.Errorf("client: read-tag response too short to contain type code")
	}
	return cip.DecodeTimer(data[2:])
}

// WriteTag writes value to one element of tagName. value must be a type
// pkg/cip.Marshal understands (the common CIP scalar types, or anything
// implementing cip.Marshaler). PCCC-class PLC kinds treat tagName as a
// data-table address like "N7:10" and value as already-encoded bytes or
// anything pkg/cip.Marshal can serialize. A tagName ending in ".N" (e.g.
// "MyDINT.3") addresses bit N of the underlying word and is written with a
// ReadModifyWrite instead of an ordinary WriteTag, touching only that bit
// (spec.md §4.4); value must be a bool for that form.
func (c *Client) WriteTag(tagName string, value any) error {
	if c.cfg.PlcKind.UsesPCCC() {
		data, err := cip.Marshal(value)
		if err != nil {
			return fmt.Errorf("client: marshal tag value: %w", err)
		}
		return c.writeTagPCCC(tagName, data)
	}

	if base, bit, isBit := cip.SplitBitAddress(tagName); isBit {
		return c.writeTagBit(base, bit, value)
	}

	data, err := cip.Marshal(value)
	if err != nil {
		return fmt.Errorf("client: marshal tag value: %w", err)
	}

	p, err := cip.EncodeSymbolicTag(tagName)
	if err != nil {
		return err
	}
	dataType, err := cip.DataTypeOf(value)
	if err != nil {
		return fmt.Errorf("client: write tag: %w", err)
	}

	if !c.cfg.PlcKind.SupportsFragmentedRead() {
		req := cip.NewWriteTagRequest(p, dataType, 1, data)
		resp, err := c.sendCIP(req, true)
		if err != nil {
			return err
		}
		return resp.Error()
	}

	// As with ReadTag, every Logix-class write goes over CipWriteFrag
	// (service 0x53) with byte offset 0 for the first packet; a payload
	// that fits in one packet still packs normally, and only a tag whose
	// encoded size exceeds the negotiated max payload drives more than
	// one round trip (spec.md §4.4 scenario S3).
	maxPayload := c.sess.MaxPayload()
	req := cip.NewWriteTagFragmentedRequest(p, dataType, 1, 0, data)
	body, err := req.Encode()
	if err != nil {
		return err
	}
	if len(body) <= maxPayload {
		resp, err := c.sendCIP(req, true)
		if err != nil {
			return err
		}
		return resp.Error()
	}
	return c.writeTagFragmented(p, dataType, data, maxPayload)
}

// writeTagFragmented splits data across as many CipWriteFrag packets as
// maxPayload requires, advancing the byte offset by exactly the number of
// bytes sent in the previous packet (spec.md §4.4 testable property 7).
func (c *Client) writeTagFragmented(p cip.Path, dataType cip.DataType, data []byte, maxPayload int) error {
	const fixedOverhead = 1 + 10 + 8 // service byte + generous path bound + type/elements/offset header
	chunkSize := maxPayload - fixedOverhead
	if chunkSize < 1 {
		chunkSize = 1
	}

	chunk := func(offset int) []byte {
		end := offset + chunkSize
		if end > len(data) {
			end = len(data)
		}
		return data[offset:end]
	}

	firstChunk := chunk(0)
	offset := len(firstChunk)
	firstReq := cip.NewWriteTagFragmentedRequest(p, dataType, 1, 0, firstChunk)
	firstBody, err := firstReq.Encode()
	if err != nil {
		return err
	}

	frag := &request.Fragment{
		Advance: func(_ []byte) ([]byte, error) {
			next := chunk(offset)
			req := cip.NewWriteTagFragmentedRequest(p, dataType, 1, uint32(offset), next)
			body, err := req.Encode()
			if err != nil {
				return nil, err
			}
			offset += len(next)
			return body, nil
		},
		Finish: func(respData []byte) []byte { return respData },
	}

	ctx, cancel := c.ctx()
	defer cancel()
	resp, err := c.sess.SendFragmented(ctx, firstBody, c.kind(), frag)
	if err != nil {
		return err
	}
	return resp.Error()
}

// writeTagBit issues a ReadModifyWrite (0x4E) against base for bit, per
// spec.md §4.4: the masks touch exactly that bit of the underlying word,
// leaving every other bit alone. The mask width is inferred from bit's
// position (cip.BitMaskSize), the same way a "Tag.N" address implies its
// word's element size.
func (c *Client) writeTagBit(base string, bit int, value any) error {
	var v bool
	switch val := value.(type) {
	case bool:
		v = val
	case *bool:
		v = *val
	default:
		return fmt.Errorf("client: bit-in-word write to %q needs a bool value, got %T", base, value)
	}

	p, err := cip.EncodeSymbolicTag(base)
	if err != nil {
		return err
	}
	maskSize, err := cip.BitMaskSize(bit)
	if err != nil {
		return fmt.Errorf("client: bit-in-word write to %q: %w", base, err)
	}
	orMask, andMask, err := cip.BitMasks(maskSize, bit, v)
	if err != nil {
		return fmt.Errorf("client: bit-in-word write to %q: %w", base, err)
	}
	req, err := cip.NewReadModifyWriteRequest(p, maskSize, orMask, andMask)
	if err != nil {
		return err
	}
	resp, err := c.sendCIP(req, true)
	if err != nil {
		return err
	}
	return resp.Error()
}

// readTagPCCC reads count elements starting at the PCCC data-table
// address addrStr (e.g. "N7:10") via ExecutePCCC typed read (spec.md
// §4.4 scenario S4), returning the same 2-byte-type-prefix shape ReadTag
// uses so ReadTagInto/ReadTimer work unmodified against either protocol.
func (c *Client) readTagPCCC(addrStr string, count int) ([]byte, error) {
	addr, err := pccc.EncodeFileAddress(addrStr)
	if err != nil {
		return nil, fmt.Errorf("client: pccc address: %w", err)
	}
	req, err := pccc.BuildTypedRead(c.cfg.DHPRoute, c.cfg.VendorID, c.cfg.OriginatorSerialID, c.nextPCCCSeq(), addr, count)
	if err != nil {
		return nil, err
	}
	resp, err := c.sendCIP(req, false)
	if err != nil {
		return nil, err
	}
	if err := resp.Error(); err != nil {
		return nil, err
	}
	pr, err := pccc.DecodeResponse(resp.ResponseData)
	if err != nil {
		return nil, err
	}
	if !pr.IsSuccess() {
		return nil, fmt.Errorf("client: pccc read failed, status 0x%02X", pr.Status)
	}
	elemType, elemData, err := pccc.DecodeTypedReadData(pr.Data)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, 2+len(elemData))
	out = append(out, elemType, 0x00)
	return append(out, elemData...), nil
}

// writeTagPCCC writes already-encoded data to the PCCC data-table address
// addrStr via ExecutePCCC typed write.
func (c *Client) writeTagPCCC(addrStr string, data []byte) error {
	addr, err := pccc.EncodeFileAddress(addrStr)
	if err != nil {
		return fmt.Errorf("client: pccc address: %w", err)
	}
	req, err := pccc.BuildTypedWrite(c.cfg.DHPRoute, c.cfg.VendorID, c.cfg.OriginatorSerialID, c.nextPCCCSeq(), addr, data)
	if err != nil {
		return err
	}
	resp, err := c.sendCIP(req, false)
	if err != nil {
		return err
	}
	if err := resp.Error(); err != nil {
		return err
	}
	pr, err := pccc.DecodeResponse(resp.ResponseData)
	if err != nil {
		return err
	}
	if !pr.IsSuccess() {
		return fmt.Errorf("client: pccc write failed, status 0x%02X", pr.Status)
	}
	return nil
}
