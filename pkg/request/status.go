package request

import (
	"errors"
	"fmt"

	"github.com/coriolis-automation/goeip/pkg/cip"
)

// Status is the outcome of a Request as observed by the caller. It mirrors
// the abstract error-kind taxonomy the session core surfaces upward; the
// tag layer (or any caller) maps these onto its own public vocabulary.
type Status int

const (
	StatusPending Status = iota
	StatusOK
	StatusAborted
	StatusTimeout
	StatusConnectionRefused
	StatusConnectionLost
	StatusRemoteError
	StatusUnsupportedService
	StatusDuplicateConnection
	StatusPayloadTooLarge
	StatusPartialTransfer
	StatusBadFormat
	StatusNotFound
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "Pending"
	case StatusOK:
		return "OK"
	case StatusAborted:
		return "Aborted"
	case StatusTimeout:
		return "Timeout"
	case StatusConnectionRefused:
		return "ConnectionRefused"
	case StatusConnectionLost:
		return "ConnectionLost"
	case StatusRemoteError:
		return "RemoteError"
	case StatusUnsupportedService:
		return "UnsupportedService"
	case StatusDuplicateConnection:
		return "DuplicateConnection"
	case StatusPayloadTooLarge:
		return "PayloadTooLarge"
	case StatusPartialTransfer:
		return "PartialTransfer"
	case StatusBadFormat:
		return "BadFormat"
	case StatusNotFound:
		return "NotFound"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// ErrRemote wraps a CIP (or PCCC) general status plus any extended status
// words so callers can errors.As into it for the raw remote code.
type ErrRemote struct {
	Status    Status
	Code      byte
	ExtStatus []uint16
}

func (e *ErrRemote) Error() string {
	if len(e.ExtStatus) == 0 {
		return fmt.Sprintf("%s: remote status 0x%02X", e.Status, e.Code)
	}
	return fmt.Sprintf("%s: remote status 0x%02X ext=%v", e.Status, e.Code, e.ExtStatus)
}

var (
	ErrAborted  = errors.New("request aborted")
	ErrTimeout  = errors.New("request timed out")
	ErrNotFound = errors.New("tag or object not found")
)

// PayloadTooLarge carries the PLC-reported supported connection size from a
// ForwardOpen extended status 0x0109 reply. Nothing in this module
// constructs it: pkg/session's ForwardOpen negotiation reads the supported
// size with eip.SupportedSizeFromExtStatus instead.
type PayloadTooLarge struct {
	SupportedSize uint16
}

func (e *PayloadTooLarge) Error() string {
	return fmt.Sprintf("payload too large, PLC supports %d bytes", e.SupportedSize)
}

// StatusFromCIP maps a CIP general status byte (and the extended status
// words that follow it) to a Status plus an error implementing ErrRemote.
// Partial/fragmented transfer and the three structured ForwardOpen errors
// are mapped but are expected to be consumed internally by their
// respective callers rather than propagated to a Request.
func StatusFromCIP(generalStatus byte, ext []uint16) (Status, error) {
	switch generalStatus {
	case byte(cip.StatusSuccess):
		return StatusOK, nil
	case byte(cip.StatusPartialTransfer):
		return StatusPartialTransfer, &ErrRemote{Status: StatusPartialTransfer, Code: generalStatus, ExtStatus: ext}
	case byte(cip.StatusServiceNotSupported):
		return StatusUnsupportedService, &ErrRemote{Status: StatusUnsupportedService, Code: generalStatus, ExtStatus: ext}
	case byte(cip.StatusObjectDoesNotExist), byte(cip.StatusPathDestinationUnknown):
		return StatusNotFound, &ErrRemote{Status: StatusNotFound, Code: generalStatus, ExtStatus: ext}
	case 0x01:
		// Connection failure: disambiguate by extended status for
		// ForwardOpen callers; general callers just see RemoteError.
		if len(ext) > 0 {
			switch ext[0] {
			case 0x0100:
				return StatusDuplicateConnection, &ErrRemote{Status: StatusDuplicateConnection, Code: generalStatus, ExtStatus: ext}
			case 0x0109:
				return StatusPayloadTooLarge, &ErrRemote{Status: StatusPayloadTooLarge, Code: generalStatus, ExtStatus: ext}
			}
		}
		return StatusRemoteError, &ErrRemote{Status: StatusRemoteError, Code: generalStatus, ExtStatus: ext}
	default:
		return StatusRemoteError, &ErrRemote{Status: StatusRemoteError, Code: generalStatus, ExtStatus: ext}
	}
}

// StatusFromEIP maps an EIP encapsulation-header status word to a Status.
func StatusFromEIP(encapStatus uint32) (Status, error) {
	if encapStatus == 0 {
		return StatusOK, nil
	}
	return StatusBadFormat, fmt.Errorf("eip encapsulation status 0x%08X", encapStatus)
}
