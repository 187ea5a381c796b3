package cip

import "testing"

func TestDefaultPayloadGuess(t *testing.T) {
	tests := []struct {
		kind     PlcKind
		extended bool
		want     uint16
	}{
		{PlcPLC5, false, 244},
		{PlcSLC, false, 244},
		{PlcMicroLogix, false, 244},
		{PlcLogixPCCC, false, 244},
		{PlcOmronNJ, false, 244},
		{PlcOmronNJ, true, 244},
		{PlcLogix, true, 4002},
		{PlcLogix, false, 508},
		{PlcMicro800, false, 508},
	}

	for _, tt := range tests {
		got := tt.kind.DefaultPayloadGuess(tt.extended)
		if got != tt.want {
			t.Errorf("%s.DefaultPayloadGuess(%v) = %d, want %d", tt.kind, tt.extended, got, tt.want)
		}
	}
}
