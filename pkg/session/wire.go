package session

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/coriolis-automation/goeip/pkg/cip"
	"github.com/coriolis-automation/goeip/pkg/eip"
)

// writeEncap frames and writes one EIP encapsulation packet, bounding the
// whole write with a deadline (idiomatic Go stands net.Conn deadlines in
// for the C library's non-blocking poll loop, spec.md §5).
func (s *Session) writeEncap(cmd eip.Command, payload []byte, senderContext uint64, timeout time.Duration) error {
	s.mu.Lock()
	conn := s.conn
	sessionHandle := s.sessionHandle
	s.mu.Unlock()

	header := eip.EncapsulationHeader{
		Command:       cmd,
		Length:        uint16(len(payload)),
		SessionHandle: sessionHandle,
		Status:        0,
		Options:       0,
	}
	binary.LittleEndian.PutUint64(header.SenderContext[:], senderContext)

	if err := conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	if err := header.Encode(conn); err != nil {
		return fmt.Errorf("session: write header: %w", err)
	}
	if len(payload) > 0 {
		if _, err := conn.Write(payload); err != nil {
			return fmt.Errorf("session: write payload: %w", err)
		}
	}
	return nil
}

// readEncap reads one full EIP encapsulation packet (header then the
// declared payload length), bounded by a deadline.
func (s *Session) readEncap(timeout time.Duration) (*eip.EncapsulationHeader, []byte, error) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, nil, err
	}
	header := &eip.EncapsulationHeader{}
	if err := header.Decode(conn); err != nil {
		return nil, nil, fmt.Errorf("session: read header: %w", err)
	}
	var payload []byte
	if header.Length > 0 {
		payload = make([]byte, header.Length)
		if _, err := io.ReadFull(conn, payload); err != nil {
			return nil, nil, fmt.Errorf("session: read payload: %w", err)
		}
	}
	return header, payload, nil
}

// sendUnconnected sends one unconnected CIP body via SendRRData and
// returns the CIP response bytes (service, reserved, status, ext-status,
// data) unparsed — callers decode with cip.DecodeMessageRouterResponse.
func (s *Session) sendUnconnected(body []byte, senderContext uint64, timeout time.Duration) ([]byte, error) {
	cpf := eip.NewCommonPacketFormat(
		eip.NewCPFItem(eip.ItemIDNullAddress, nil),
		eip.NewCPFItem(eip.ItemIDUnconnectedMessage, body),
	)
	cpfData, err := cpf.Encode()
	if err != nil {
		return nil, err
	}
	rrData := make([]byte, 6+len(cpfData))
	copy(rrData[6:], cpfData)

	if err := s.writeEncap(eip.CommandSendRRData, rrData, senderContext, timeout); err != nil {
		return nil, err
	}

	header, respData, err := s.readEncap(timeout)
	if err != nil {
		return nil, err
	}
	if header.Status != eip.StatusSuccess {
		return nil, fmt.Errorf("session: SendRRData failed, encap status 0x%08X", header.Status)
	}
	if len(respData) < 6 {
		return nil, fmt.Errorf("session: SendRRData response too short")
	}
	respCPF, err := eip.DecodeCommonPacketFormat(respData[6:])
	if err != nil {
		return nil, fmt.Errorf("session: decode CPF: %w", err)
	}
	item := respCPF.FindItemByType(eip.ItemIDUnconnectedMessage)
	if item == nil {
		return nil, fmt.Errorf("session: response CPF missing unconnected data item")
	}
	return item.Data, nil
}

// sendConnected sends one connected CIP body via SendUnitData, stamping
// the CPF connection sequence number, and returns the CIP response bytes.
func (s *Session) sendConnected(body []byte, connSeq uint16, timeout time.Duration) ([]byte, error) {
	seqAndBody := make([]byte, 2+len(body))
	binary.LittleEndian.PutUint16(seqAndBody[0:2], connSeq)
	copy(seqAndBody[2:], body)

	s.mu.Lock()
	toConnID := s.toConnID
	s.mu.Unlock()
	addr := make([]byte, 4)
	binary.LittleEndian.PutUint32(addr, toConnID)

	cpf := eip.NewCommonPacketFormat(
		eip.NewCPFItem(eip.ItemIDConnectedAddress, addr),
		eip.NewCPFItem(eip.ItemIDConnectedData, seqAndBody),
	)
	cpfData, err := cpf.Encode()
	if err != nil {
		return nil, err
	}
	unitData := make([]byte, 6+len(cpfData))
	copy(unitData[6:], cpfData)

	if err := s.writeEncap(eip.CommandSendUnitData, unitData, 0, timeout); err != nil {
		return nil, err
	}

	header, respData, err := s.readEncap(timeout)
	if err != nil {
		return nil, err
	}
	if header.Status != eip.StatusSuccess {
		return nil, fmt.Errorf("session: SendUnitData failed, encap status 0x%08X", header.Status)
	}
	if len(respData) < 6 {
		return nil, fmt.Errorf("session: SendUnitData response too short")
	}
	respCPF, err := eip.DecodeCommonPacketFormat(respData[6:])
	if err != nil {
		return nil, fmt.Errorf("session: decode CPF: %w", err)
	}
	item := respCPF.FindItemByType(eip.ItemIDConnectedData)
	if item == nil {
		return nil, fmt.Errorf("session: response CPF missing connected data item")
	}
	if len(item.Data) < 2 {
		return nil, fmt.Errorf("session: connected data item too short")
	}
	// item.Data[0:2] is the echoed connection sequence number; demux
	// collapses to "the current request" since only one transaction is
	// ever in flight (spec.md §4.2 "Demultiplexing rule").
	return item.Data[2:], nil
}

// decodeCIPReply is a small convenience wrapper so state handlers can go
// straight from wire bytes to (status, ext, responseData).
func decodeCIPReply(raw []byte) (resp *cip.MessageRouterResponse, err error) {
	return cip.DecodeMessageRouterResponse(raw)
}

// extStatusToU16 narrows a decoded MessageRouterResponse's extended-status
// words to the plain uint16s request.StatusFromCIP expects.
func extStatusToU16(ext []cip.UINT) []uint16 {
	out := make([]uint16, len(ext))
	for i, w := range ext {
		out[i] = uint16(w)
	}
	return out
}

// synthesizeFragmentReply re-frames the terminal reply of a fragmented
// transfer as a MessageRouterResponse wire frame carrying body in place of
// the last fragment's raw data, so request.DecodeCIPResponse sees the same
// shape it would for a singleton, non-fragmented reply.
func synthesizeFragmentReply(resp *cip.MessageRouterResponse, body []byte) []byte {
	out := make([]byte, 0, 4+2*len(resp.ExtStatus)+len(body))
	out = append(out, byte(resp.Service), 0x00, byte(resp.GeneralStatus), byte(len(resp.ExtStatus)))
	for _, w := range resp.ExtStatus {
		out = binary.LittleEndian.AppendUint16(out, uint16(w))
	}
	out = append(out, body...)
	return out
}
