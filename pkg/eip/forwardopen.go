package eip

import (
	"encoding/binary"
	"fmt"

	"github.com/coriolis-automation/goeip/pkg/cip"
)

// Forward_Open / Forward_Close are CIP Connection Manager (class 0x06,
// instance 0x01) services. They live in pkg/eip because they are part of
// the session's connection-establishment handshake, not a per-tag request
// builder.
const (
	ServiceForwardOpen   cip.USINT = 0x54 // classic, 16-bit connection parameters
	ServiceForwardOpenEx cip.USINT = 0x5B // extended, 32-bit connection parameters
	ServiceForwardClose  cip.USINT = 0x4E

	ClassConnectionManager    cip.UINT = 0x06
	InstanceConnectionManager cip.UINT = 0x01
)

// Extended CIP general-status-0x01 sub-codes this module interprets
// structurally rather than surfacing as an opaque RemoteError.
const (
	ExtStatusInvalidConnectionSize = 0x0109
	ExtStatusDuplicateConnection   = 0x0100
)

// TransportTriggerClass3 selects the standard Class 3 (explicit message,
// application-triggered) transport type used by every request builder in
// this module; no other trigger class is supported (spec.md §1 non-goal:
// no implicit/cyclic I/O).
const TransportTriggerClass3 byte = 0xA3

// ForwardOpenParams carries the negotiable parameters the session's
// forward-opening state threads through retries. SizeGuess and Extended
// are mutated by the session on 0x0109/0x08 replies; SerialNumber is
// incremented on 0x0100.
type ForwardOpenParams struct {
	Extended     bool   // use 0x5B (32-bit params) instead of 0x54
	SizeGuess    uint16 // O->T and T->O connection size in bytes
	OTConnID     uint32 // originator-chosen, process-unique
	SerialNumber uint16
	VendorID     uint16
	OrigSerial   uint32
	TimeoutMult  byte // 0..7; actual timeout = RPI * (4 << mult)
	OTRPI        uint32
	TORPI        uint32
	Path         cip.Path // routing path to the target device
}

// connectionParamWord packs the redundant-owner/connection-type/priority/
// size bits common to both the classic 16-bit and extended 32-bit forms.
// Bits: 15=redundant owner(0), 14:13=connection type(10=point-to-point),
// 12=reserved, 11:10=priority(00=low), 9=fixed/variable(1=variable),
// 8:0/15:0=size.
func connectionParamWord(size uint16, extended bool) uint32 {
	const pointToPoint = 0x4000
	const variableSize = 0x0200
	base := uint32(pointToPoint | variableSize)
	if extended {
		return (base << 16) | uint32(size)
	}
	return base | uint32(size)
}

// BuildForwardOpen encodes a ForwardOpen (or ForwardOpenEx) request body,
// ready to hand to cip.MessageRouterRequest.Encode via a MessageRouterRequest
// wrapping this as RequestData with Service = ServiceForwardOpen(Ex).
func BuildForwardOpen(p ForwardOpenParams) (*cip.MessageRouterRequest, error) {
	if len(p.Path) == 0 {
		return nil, fmt.Errorf("forward open: empty connection path")
	}

	svc := ServiceForwardOpen
	if p.Extended {
		svc = ServiceForwardOpenEx
	}

	cmPath := cip.NewPath()
	cmPath.AddClass(ClassConnectionManager)
	cmPath.AddInstance(InstanceConnectionManager)

	buf := make([]byte, 0, 40+len(p.Path))
	buf = append(buf, 0x0A)       // priority/tick time
	buf = append(buf, 0x0E)       // timeout ticks
	buf = binary.LittleEndian.AppendUint32(buf, p.OTConnID)
	buf = binary.LittleEndian.AppendUint32(buf, randomU32Seed(p.OTConnID)) // T->O conn id, PLC overwrites it
	buf = binary.LittleEndian.AppendUint16(buf, p.SerialNumber)
	buf = binary.LittleEndian.AppendUint16(buf, p.VendorID)
	buf = binary.LittleEndian.AppendUint32(buf, p.OrigSerial)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(p.TimeoutMult))
	buf = binary.LittleEndian.AppendUint32(buf, p.OTRPI)

	otParams := connectionParamWord(p.SizeGuess, p.Extended)
	toParams := otParams
	if p.Extended {
		buf = binary.LittleEndian.AppendUint32(buf, otParams)
	} else {
		buf = binary.LittleEndian.AppendUint16(buf, uint16(otParams))
	}

	buf = binary.LittleEndian.AppendUint32(buf, p.TORPI)
	if p.Extended {
		buf = binary.LittleEndian.AppendUint32(buf, toParams)
	} else {
		buf = binary.LittleEndian.AppendUint16(buf, uint16(toParams))
	}

	buf = append(buf, TransportTriggerClass3)
	buf = append(buf, p.Path.LenWords())
	buf = append(buf, p.Path.Bytes()...)

	return &cip.MessageRouterRequest{
		Service:     svc,
		RequestPath: cmPath,
		RequestData: buf,
	}, nil
}

// randomU32Seed derives a deterministic-but-distinct placeholder for the
// target->originator connection id the session proposes; the PLC is free
// to (and typically does) overwrite it in its reply.
func randomU32Seed(seed uint32) uint32 {
	return seed ^ 0x5bd1e995
}

// ForwardOpenReply is the parsed success body of a ForwardOpen response.
type ForwardOpenReply struct {
	OTConnID         uint32
	TOConnID         uint32
	ConnectionSerial uint16
	VendorID         uint16
	OrigSerial       uint32
	OTAPI            uint32
	TOAPI            uint32
}

// ParseForwardOpenReply decodes the success-case ForwardOpen response
// body (general status 0, already stripped by the MessageRouterResponse
// decode).
func ParseForwardOpenReply(data []byte) (*ForwardOpenReply, error) {
	if len(data) < 26 {
		return nil, fmt.Errorf("forward open reply too short: %d bytes", len(data))
	}
	return &ForwardOpenReply{
		OTConnID:         binary.LittleEndian.Uint32(data[0:4]),
		TOConnID:         binary.LittleEndian.Uint32(data[4:8]),
		ConnectionSerial: binary.LittleEndian.Uint16(data[8:10]),
		VendorID:         binary.LittleEndian.Uint16(data[10:12]),
		OrigSerial:       binary.LittleEndian.Uint32(data[12:16]),
		OTAPI:            binary.LittleEndian.Uint32(data[16:20]),
		TOAPI:            binary.LittleEndian.Uint32(data[20:24]),
	}, nil
}

// SupportedSizeFromExtStatus extracts the PLC-reported supported
// connection size from a 0x0109 (invalid connection size) extended
// status payload, whose single extra word follows the 0x0109 code itself.
func SupportedSizeFromExtStatus(ext []cip.UINT) (uint16, bool) {
	if len(ext) < 2 {
		return 0, false
	}
	if ext[0] != ExtStatusInvalidConnectionSize {
		return 0, false
	}
	return uint16(ext[1]), true
}

// BuildForwardClose encodes a ForwardClose request body for the
// connection this session opened.
func BuildForwardClose(serial, vendorID uint16, origSerial uint32, path cip.Path) (*cip.MessageRouterRequest, error) {
	cmPath := cip.NewPath()
	cmPath.AddClass(ClassConnectionManager)
	cmPath.AddInstance(InstanceConnectionManager)

	buf := make([]byte, 0, 12+len(path))
	buf = append(buf, 0x0A) // priority/tick time
	buf = append(buf, 0x01) // timeout ticks (short: ForwardClose is bounded tightly, spec.md §4.2 state 7)
	buf = binary.LittleEndian.AppendUint16(buf, serial)
	buf = binary.LittleEndian.AppendUint16(buf, vendorID)
	buf = binary.LittleEndian.AppendUint32(buf, origSerial)

	pathWords := byte(len(path) / 2)
	if len(path)%2 != 0 {
		pathWords++
	}
	buf = append(buf, pathWords)
	buf = append(buf, 0x00) // reserved
	buf = append(buf, path...)
	if len(path)%2 != 0 {
		buf = append(buf, 0x00)
	}

	return &cip.MessageRouterRequest{
		Service:     ServiceForwardClose,
		RequestPath: cmPath,
		RequestData: buf,
	}, nil
}
