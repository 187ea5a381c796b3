package packer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coriolis-automation/goeip/pkg/request"
)

func connectedReq(tagID uint64, bodyLen int, allowPacking bool) *request.Request {
	body := make([]byte, bodyLen)
	for i := range body {
		body[i] = byte(tagID) + byte(i)
	}
	r := request.New(tagID, request.KindConnected, body)
	r.AllowPacking = allowPacking
	return r
}

func TestSelect_SingletonWhenHeadUnconnected(t *testing.T) {
	b := request.NewBatch()
	unconnected := request.New(1, request.KindUnconnected, []byte{0x4C})
	b.Push(unconnected)
	b.Push(connectedReq(2, 4, true))

	selected := Select(b, 508)
	require.Len(t, selected, 1)
	assert.Same(t, unconnected, selected[0])
	assert.Equal(t, 1, b.Len(), "the second request stays queued")
}

func TestSelect_SingletonWhenHeadNotPackable(t *testing.T) {
	b := request.NewBatch()
	head := connectedReq(1, 4, false)
	b.Push(head)
	b.Push(connectedReq(2, 4, true))

	selected := Select(b, 508)
	require.Len(t, selected, 1)
	assert.Same(t, head, selected[0])
}

func TestSelect_PacksUntilPayloadBound(t *testing.T) {
	b := request.NewBatch()
	// Header overhead once packing begins is the MultipleServicePacket's
	// outer framing (service + path-size byte + 4-byte Message-Router path)
	// plus the bundled count field, then 2 per included sub-request; pick
	// sizes that allow exactly two of three to fit.
	b.Push(connectedReq(1, 10, true))
	b.Push(connectedReq(2, 10, true))
	b.Push(connectedReq(3, 400, true))

	selected := Select(b, 40)
	require.Len(t, selected, 2)
	assert.Equal(t, uint64(1), selected[0].TagID)
	assert.Equal(t, uint64(2), selected[1].TagID)
	assert.Equal(t, 1, b.Len(), "the oversized third request stays queued for its own batch")
}

func TestSelect_StopsAtFirstUnpackableFollower(t *testing.T) {
	b := request.NewBatch()
	b.Push(connectedReq(1, 4, true))
	b.Push(connectedReq(2, 4, false))
	b.Push(connectedReq(3, 4, true))

	selected := Select(b, 508)
	require.Len(t, selected, 1)
	assert.Equal(t, uint64(1), selected[0].TagID)
	assert.Equal(t, 2, b.Len())
}

func TestPack_SingletonReturnsBodyVerbatim(t *testing.T) {
	r := connectedReq(1, 6, true)
	out, err := Pack([]*request.Request{r})
	require.NoError(t, err)
	assert.Equal(t, r.Body, out)
}

func TestPack_BundlesMultipleServiceHeader(t *testing.T) {
	r1 := connectedReq(1, 4, true)
	r2 := connectedReq(2, 6, true)
	r3 := connectedReq(3, 2, true)

	out, err := Pack([]*request.Request{r1, r2, r3})
	require.NoError(t, err)

	assert.Equal(t, byte(ServiceMultipleServicePacket), out[0])
	mrPath := messageRouterPath()
	assert.Equal(t, mrPath.LenWords(), out[1])

	offsetOfCount := 2 + len(mrPath.Bytes())
	count := uint16(out[offsetOfCount]) | uint16(out[offsetOfCount+1])<<8
	assert.EqualValues(t, 3, count)

	// Total length must equal the header plus every sub-request body.
	headerSize := 2 + 3*2
	expectedLen := offsetOfCount + headerSize + len(r1.Body) + len(r2.Body) + len(r3.Body)
	assert.Len(t, out, expectedLen)
}

func TestPack_RejectsEmptyBatch(t *testing.T) {
	_, err := Pack(nil)
	assert.Error(t, err)
}

func TestUnpack_Singleton(t *testing.T) {
	r := request.New(1, request.KindConnected, nil)
	err := Unpack([]*request.Request{r}, 0xCC, 0x00, nil, []byte{0xC4, 0x00, 0x01, 0x02})
	require.NoError(t, err)

	<-r.Ready()
	assert.Equal(t, request.StatusOK, r.Status())
	resp, derr := r.DecodeCIPResponse()
	require.NoError(t, derr)
	assert.EqualValues(t, 0xCC, resp.Service)
	assert.Equal(t, []byte{0xC4, 0x00, 0x01, 0x02}, resp.ResponseData)
}

// buildBundledReply constructs a MultipleServicePacket reply body (count,
// offsets, sub-responses) for N sub-responses, each a success reply
// carrying `data`.
func buildBundledReply(statuses []byte, datas [][]byte) []byte {
	n := len(statuses)
	subs := make([][]byte, n)
	for i := range subs {
		subs[i] = append([]byte{0xCC, 0x00, statuses[i], 0x00}, datas[i]...)
	}
	headerSize := 2 + n*2
	out := make([]byte, 0, headerSize)
	out = append(out, byte(n), 0x00)
	offset := headerSize
	for _, s := range subs {
		out = append(out, byte(offset), byte(offset>>8))
		offset += len(s)
	}
	for _, s := range subs {
		out = append(out, s...)
	}
	return out
}

func TestUnpack_BundledReplyOrderPreserved(t *testing.T) {
	reqs := []*request.Request{
		request.New(1, request.KindConnected, nil),
		request.New(2, request.KindConnected, nil),
		request.New(3, request.KindConnected, nil),
	}
	reply := buildBundledReply(
		[]byte{0x00, 0x00, 0x00},
		[][]byte{{0xAA}, {0xBB, 0xBB}, {0xCC}},
	)

	err := Unpack(reqs, ServiceMultipleServicePacket, 0x00, nil, reply)
	require.NoError(t, err)

	for i, r := range reqs {
		<-r.Ready()
		assert.Equal(t, request.StatusOK, r.Status(), "sub-response %d", i)
	}
	resp0, _ := reqs[0].DecodeCIPResponse()
	resp1, _ := reqs[1].DecodeCIPResponse()
	resp2, _ := reqs[2].DecodeCIPResponse()
	assert.Equal(t, []byte{0xAA}, resp0.ResponseData)
	assert.Equal(t, []byte{0xBB, 0xBB}, resp1.ResponseData)
	assert.Equal(t, []byte{0xCC}, resp2.ResponseData)
}

func TestUnpack_PartialBundledErrorAllowsPerSubStatus(t *testing.T) {
	reqs := []*request.Request{
		request.New(1, request.KindConnected, nil),
		request.New(2, request.KindConnected, nil),
	}
	reply := buildBundledReply(
		[]byte{0x00, 0x05},
		[][]byte{{0xAA}, {}},
	)

	err := Unpack(reqs, ServiceMultipleServicePacket, StatusPartialBundledError, nil, reply)
	require.NoError(t, err)

	<-reqs[0].Ready()
	<-reqs[1].Ready()
	assert.Equal(t, request.StatusOK, reqs[0].Status())
	assert.NotEqual(t, request.StatusOK, reqs[1].Status())
}

func TestUnpack_NonPartialOuterErrorFailsWholeBatch(t *testing.T) {
	reqs := []*request.Request{
		request.New(1, request.KindConnected, nil),
		request.New(2, request.KindConnected, nil),
	}

	err := Unpack(reqs, ServiceMultipleServicePacket, 0x01, nil, []byte{0x00, 0x00})
	assert.Error(t, err)
	for _, r := range reqs {
		<-r.Ready()
		assert.NotEqual(t, request.StatusOK, r.Status())
	}
}
