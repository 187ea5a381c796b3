package pccc

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildEnvelope_NoRoutePrefix(t *testing.T) {
	body := []byte{0xAA, 0xBB}
	out, err := BuildEnvelope(DHPRoute{}, 0x1234, 0xAABBCCDD, CmdTypedRead, FnTypedRead, 7, body)
	require.NoError(t, err)

	require.Len(t, out, 12+len(body))
	assert.Equal(t, byte(0x07), out[0], "request-id size is always 7")
	assert.EqualValues(t, 0x1234, binary.LittleEndian.Uint16(out[1:3]))
	assert.EqualValues(t, 0xAABBCCDD, binary.LittleEndian.Uint32(out[3:7]))
	assert.Equal(t, CmdTypedRead, out[7])
	assert.Equal(t, byte(0), out[8], "status is 0 in a request")
	assert.EqualValues(t, 7, binary.LittleEndian.Uint16(out[9:11]))
	assert.Equal(t, FnTypedRead, out[11])
	assert.Equal(t, body, out[12:])
}

func TestBuildEnvelope_DHPRoutePrefixed(t *testing.T) {
	route := DHPRoute{Present: true, Channel: 1, DestNode: 5, DestAddress: 017}
	out, err := BuildEnvelope(route, 0, 0, CmdTypedWrite, FnTypedWrite, 1, nil)
	require.NoError(t, err)

	assert.Equal(t, []byte{route.Channel, route.DestNode, route.DestAddress}, out[0:3])
	assert.Equal(t, byte(0x07), out[3], "PCCC envelope proper starts right after the 3-byte DH+ prefix")
}

func TestDecodeResponse_StripsRequestIDAndStatus(t *testing.T) {
	body := []byte{
		0x07,                   // request-id size
		0x34, 0x12, 0, 0, 0, 0, // vendor/serial (7 bytes total incl size byte)
		0x00,       // status = success
		0xAA, 0xBB, // function-specific data
	}
	resp, err := DecodeResponse(body)
	require.NoError(t, err)
	assert.True(t, resp.IsSuccess())
	assert.Equal(t, []byte{0xAA, 0xBB}, resp.Data)
}

func TestDecodeResponse_NonZeroStatusIsNotSuccess(t *testing.T) {
	body := []byte{0x07, 0, 0, 0, 0, 0, 0, 0x10, 0xFF}
	resp, err := DecodeResponse(body)
	require.NoError(t, err)
	assert.False(t, resp.IsSuccess())
	assert.EqualValues(t, 0x10, resp.Status)
}

func TestEncodeFileAddress_Element(t *testing.T) {
	a, err := EncodeFileAddress("N7:10")
	require.NoError(t, err)
	assert.Equal(t, byte('N'), a.FileType)
	assert.Equal(t, 7, a.FileNum)
	assert.Equal(t, 10, a.Element)
	assert.False(t, a.HasBit)
}

func TestEncodeFileAddress_WithBit(t *testing.T) {
	a, err := EncodeFileAddress("B3:4/1")
	require.NoError(t, err)
	assert.Equal(t, byte('B'), a.FileType)
	assert.Equal(t, 3, a.FileNum)
	assert.Equal(t, 4, a.Element)
	assert.True(t, a.HasBit)
	assert.Equal(t, 1, a.Bit)
}

func TestEncodeFileAddress_Rejects(t *testing.T) {
	_, err := EncodeFileAddress("not-an-address")
	assert.Error(t, err)
}

func TestBuildTypedRead_INTAddressSizesTransfer(t *testing.T) {
	addr, err := EncodeFileAddress("N7:10")
	require.NoError(t, err)
	req, err := BuildTypedRead(DHPRoute{}, 0x1234, 1, 1, addr, 5)
	require.NoError(t, err)
	assert.Equal(t, ServiceExecutePCCC, req.Service)

	// addressBytes(5) + transfer-size byte, appended right after the fixed
	// 12-byte envelope prefix.
	transferSizeOffset := 12 + 5
	assert.Equal(t, byte(2*5), req.RequestData[transferSizeOffset], "2 bytes/INT * 5 elements")
}

func TestBuildTypedRead_RejectsOutOfRangeCount(t *testing.T) {
	addr, _ := EncodeFileAddress("N7:10")
	_, err := BuildTypedRead(DHPRoute{}, 0, 0, 1, addr, 0)
	assert.Error(t, err)
	_, err = BuildTypedRead(DHPRoute{}, 0, 0, 1, addr, 256)
	assert.Error(t, err)
}

func TestBuildTypedWrite_RejectsMisalignedData(t *testing.T) {
	addr, _ := EncodeFileAddress("N7:10")
	_, err := BuildTypedWrite(DHPRoute{}, 0, 0, 1, addr, []byte{0x01, 0x02, 0x03})
	assert.Error(t, err)
}

func TestBuildTypedWrite_REALUsesFourByteElements(t *testing.T) {
	addr, err := EncodeFileAddress("F8:0")
	require.NoError(t, err)
	data := make([]byte, 8) // two REAL elements
	req, err := BuildTypedWrite(DHPRoute{}, 0, 0, 1, addr, data)
	require.NoError(t, err)

	descriptorOffset := 12 + 5
	assert.Equal(t, TypeREAL, req.RequestData[descriptorOffset])
	assert.Equal(t, byte(8), req.RequestData[descriptorOffset+1])
}

func TestDecodeTypedReadData_NormalSize(t *testing.T) {
	data := append([]byte{TypeINT, 4}, []byte{0x01, 0x02, 0x03, 0x04}...)
	elemType, elemData, err := DecodeTypedReadData(data)
	require.NoError(t, err)
	assert.Equal(t, TypeINT, elemType)
	assert.Equal(t, []byte{0x01, 0x02, 0x03, 0x04}, elemData)
}

func TestDecodeTypedReadData_ExtendedSize(t *testing.T) {
	payload := make([]byte, 300)
	for i := range payload {
		payload[i] = byte(i)
	}
	data := []byte{TypeINT, 0xFF}
	data = binary.LittleEndian.AppendUint16(data, uint16(len(payload)))
	data = append(data, payload...)

	elemType, elemData, err := DecodeTypedReadData(data)
	require.NoError(t, err)
	assert.Equal(t, TypeINT, elemType)
	assert.Equal(t, payload, elemData)
}

func TestDecodeTypedReadData_TruncatedIsError(t *testing.T) {
	_, _, err := DecodeTypedReadData([]byte{TypeINT, 10, 0x01})
	assert.Error(t, err)
}
