// Package pccc builds and parses the legacy Allen-Bradley PCCC command
// set as carried inside a CIP ExecutePCCC (0x4B) service request, for
// PLC-5, SLC-500 and MicroLogix gateways that speak PCCC rather than
// native Logix tag services. DH+ routed requests (PCCC-over-DH+) are
// unified behind the same envelope builder via an optional DHPRoute.
package pccc

import (
	"encoding/binary"
	"fmt"

	"github.com/coriolis-automation/goeip/pkg/cip"
)

// ServiceExecutePCCC is CIP service 0x4B, the Logix-gateway wrapper
// around a native PCCC command.
const ServiceExecutePCCC cip.USINT = 0x4B

// PCCC command/function bytes this module builds. Only the typed
// read/write pair is implemented; protected-typed-logical-read/write with
// three-address-field addressing and unprotected-read are not (no
// SPEC_FULL.md scenario exercises them).
const (
	CmdTypedRead  byte = 0x0F
	FnTypedRead   byte = 0xA2
	CmdTypedWrite byte = 0x0F
	FnTypedWrite  byte = 0xAA
)

// DHPRoute carries the DH+ destination when a PCCC request must be routed
// across a DH+ link attached to a Logix gateway's channel. A zero-value
// DHPRoute (Present == false) omits the routing prefix entirely, matching
// a direct PCCC-over-CIP request to an SLC/PLC-5 processor with no DH+
// hop.
type DHPRoute struct {
	Present     bool
	Channel     byte // DH+ channel, usually 1 (channel A) or 2 (channel B)
	DestNode    byte
	DestAddress byte // octal station address on the DH+ link
}

// Envelope is the fixed PCCC request header that precedes every
// command-specific body (spec.md §4.1).
type Envelope struct {
	VendorID     uint16
	VendorSerial uint32
	Command      byte
	Function     byte
	Sequence     uint16
}

// nextSequence is a package-level counter fallback for callers that don't
// track their own; pkg/client stamps its own per-client sequence instead,
// and nothing in this module calls it.
var seqCounter uint16

func nextSequence() uint16 {
	seqCounter++
	if seqCounter == 0 {
		seqCounter = 1
	}
	return seqCounter
}

// BuildEnvelope assembles the ExecutePCCC request body: request-id size
// byte (always 7: the size byte itself plus the vendor and serial fields
// that follow), vendor
// id, vendor serial, PCCC command byte, status (0 in a request), sequence
// number, function byte, then the command-specific body supplied by the
// caller. If route.Present, a DH+ routing prefix is inserted ahead of the
// PCCC envelope.
func BuildEnvelope(route DHPRoute, vendorID uint16, vendorSerial uint32, command, function byte, sequence uint16, body []byte) ([]byte, error) {
	out := make([]byte, 0, 12+len(body))

	if route.Present {
		out = append(out, route.Channel, route.DestNode, route.DestAddress)
	}

	out = append(out, 0x07) // request-id size: size byte(1)+vendor(2)+serial(4)=7
	out = binary.LittleEndian.AppendUint16(out, vendorID)
	out = binary.LittleEndian.AppendUint32(out, vendorSerial)
	out = append(out, command)
	out = append(out, 0x00) // status, 0 in a request
	out = binary.LittleEndian.AppendUint16(out, sequence)
	out = append(out, function)
	out = append(out, body...)
	return out, nil
}

// Response is a decoded PCCC reply, still wrapped by the outer CIP
// MessageRouterResponse (which is decoded separately via pkg/cip).
type Response struct {
	Status byte
	Data   []byte
}

// DecodeResponse parses the PCCC-specific portion of an ExecutePCCC
// reply: request-id size byte, vendor/serial (ignored on reply), status
// byte, then the function-specific data.
func DecodeResponse(data []byte) (*Response, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("pccc: response too short: %d bytes", len(data))
	}
	ridSize := int(data[0])
	statusOffset := ridSize // the size counts its own byte
	if len(data) <= statusOffset {
		return nil, fmt.Errorf("pccc: response too short for request-id size %d", ridSize)
	}
	status := data[statusOffset]
	return &Response{
		Status: status,
		Data:   data[statusOffset+1:],
	}, nil
}

// IsSuccess reports whether the PCCC status byte indicates success (0).
func (r *Response) IsSuccess() bool {
	return r.Status == 0
}
