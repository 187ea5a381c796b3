package cip

// PlcKind tags the PLC family a session talks to. Behavior that varies by
// PLC type (message protocol, default payload-size guess, whether
// connected messaging is the default) is expressed as plain functions of
// PlcKind rather than as a type hierarchy (spec.md §9).
type PlcKind int

const (
	PlcUnknown PlcKind = iota
	PlcPLC5
	PlcSLC
	PlcMicroLogix
	PlcLogix
	PlcLogixPCCC // Logix gateway proxying PCCC to a PLC-5/SLC over a backplane/DH+ bridge
	PlcMicro800
	PlcOmronNJ
)

func (k PlcKind) String() string {
	switch k {
	case PlcPLC5:
		return "PLC5"
	case PlcSLC:
		return "SLC"
	case PlcMicroLogix:
		return "MicroLogix"
	case PlcLogix:
		return "Logix"
	case PlcLogixPCCC:
		return "LogixPCCC"
	case PlcMicro800:
		return "Micro800"
	case PlcOmronNJ:
		return "OmronNJ"
	default:
		return "Unknown"
	}
}

// UsesPCCC reports whether tag operations against this PLC kind should be
// built with pkg/pccc rather than the native CIP tag services.
func (k PlcKind) UsesPCCC() bool {
	switch k {
	case PlcPLC5, PlcSLC, PlcMicroLogix, PlcLogixPCCC:
		return true
	default:
		return false
	}
}

// SupportsFragmentedRead reports whether ReadTagFragmented/WriteTagFragmented
// are available; Omron-NJ only implements the single-packet ReadTag/WriteTag
// services (spec.md §4.4).
func (k PlcKind) SupportsFragmentedRead() bool {
	return k != PlcOmronNJ && !k.UsesPCCC()
}

// DefaultPayloadGuess returns the initial max_payload_guess the
// forward-opening state should try for this PLC kind (spec.md §4.2).
func (k PlcKind) DefaultPayloadGuess(extended bool) uint16 {
	switch {
	case k.UsesPCCC(), k == PlcOmronNJ:
		return 244
	case extended:
		return 4002
	default:
		return 508
	}
}

// DefaultUseConnectedMsg reports whether connected (ForwardOpen-backed)
// messaging should be the default for this PLC kind absent an explicit
// override (spec.md §6 use_connected_msg).
func (k PlcKind) DefaultUseConnectedMsg() bool {
	switch k {
	case PlcOmronNJ:
		return false
	default:
		return true
	}
}

// PreferExtendedForwardOpen reports whether ForwardOpenEx (0x5B) should be
// tried before the classic 0x54 form.
func (k PlcKind) PreferExtendedForwardOpen() bool {
	return k == PlcLogix || k == PlcLogixPCCC
}
