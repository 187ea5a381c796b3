package pccc

import (
	"encoding/binary"
	"fmt"

	"github.com/coriolis-automation/goeip/pkg/cip"
)

// addressBytes returns the FileAddress's data-table address bytes as PCCC
// expects them in a typed-read request: file number, file type, element,
// sub-element(always 0 for a non-indirect element read).
func addressBytes(a FileAddress) []byte {
	out := make([]byte, 0, 5)
	out = append(out, byte(a.FileNum))
	out = append(out, a.FileType)
	out = binary.LittleEndian.AppendUint16(out, uint16(a.Element))
	out = append(out, 0x00) // sub-element
	return out
}

// BuildTypedRead builds a PCCC "Typed Read" (CMD 0x0F, FNC 0xA2) request
// wrapped in CIP ExecutePCCC, reading `count` consecutive elements
// starting at addr.
func BuildTypedRead(route DHPRoute, vendorID uint16, vendorSerial uint32, sequence uint16, addr FileAddress, count int) (*cip.MessageRouterRequest, error) {
	if count <= 0 || count > 0xFF {
		return nil, fmt.Errorf("pccc: typed read element count %d out of range", count)
	}
	size, err := typeSize(addr.elementType())
	if err != nil {
		return nil, err
	}

	body := make([]byte, 0, 8)
	body = append(body, addressBytes(addr)...)
	body = append(body, byte(size*count))

	envelope, err := BuildEnvelope(route, vendorID, vendorSerial, CmdTypedRead, FnTypedRead, sequence, body)
	if err != nil {
		return nil, err
	}

	return &cip.MessageRouterRequest{
		Service:     ServiceExecutePCCC,
		RequestPath: cip.NewPath(), // ExecutePCCC targets the PCCC object; path is empty for a direct (non-routed) request
		RequestData: envelope,
	}, nil
}

// BuildTypedWrite builds a PCCC "Typed Write" (CMD 0x0F, FNC 0xAA) request
// writing data (already encoded little-endian per-element) to addr.
func BuildTypedWrite(route DHPRoute, vendorID uint16, vendorSerial uint32, sequence uint16, addr FileAddress, data []byte) (*cip.MessageRouterRequest, error) {
	size, err := typeSize(addr.elementType())
	if err != nil {
		return nil, err
	}
	if len(data)%size != 0 {
		return nil, fmt.Errorf("pccc: typed write data length %d not a multiple of element size %d", len(data), size)
	}
	count := len(data) / size

	body := make([]byte, 0, 8+len(data))
	body = append(body, addressBytes(addr)...)
	body = append(body, typedDataDescriptor(addr.elementType(), size, count)...)
	body = append(body, data...)

	envelope, err := BuildEnvelope(route, vendorID, vendorSerial, CmdTypedWrite, FnTypedWrite, sequence, body)
	if err != nil {
		return nil, err
	}

	return &cip.MessageRouterRequest{
		Service:     ServiceExecutePCCC,
		RequestPath: cip.NewPath(),
		RequestData: envelope,
	}, nil
}

// DecodeTypedReadData strips the leading typed-data descriptor from a
// successful typed-read PCCC response body, returning the raw element
// bytes and the element type code that was reported.
func DecodeTypedReadData(data []byte) (elemType byte, elemData []byte, err error) {
	if len(data) < 2 {
		return 0, nil, fmt.Errorf("pccc: typed read response too short")
	}
	elemType = data[0]
	size := int(data[1])
	rest := data[2:]
	if size == 0xFF {
		if len(rest) < 2 {
			return 0, nil, fmt.Errorf("pccc: truncated extended typed-data size")
		}
		size = int(binary.LittleEndian.Uint16(rest[0:2]))
		rest = rest[2:]
	}
	if len(rest) < size {
		return 0, nil, fmt.Errorf("pccc: typed read response shorter than declared size")
	}
	return elemType, rest[:size], nil
}
