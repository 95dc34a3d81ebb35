package frame

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	cases := []Frame{
		{Command: CmdBeginWrite, Payload: nil},
		{Command: CmdBeginWrite, Payload: []byte{1, 2, 3, 4, 5, 6, 7, 8}},
		{Command: CmdPartitionTable, Payload: bytes.Repeat([]byte{0xAB}, 88)},
	}
	for i, want := range cases {
		wire := Encode(want)
		got, n, err := Decode(wire)
		if err != nil {
			t.Fatalf("case %d: decode error: %v", i, err)
		}
		if n != len(wire) {
			t.Fatalf("case %d: consumed %d, want %d", i, n, len(wire))
		}
		if got.Command != want.Command || !bytes.Equal(got.Payload, want.Payload) {
			t.Fatalf("case %d: round-trip mismatch: got %+v want %+v", i, got, want)
		}
	}
}

func TestDecodeShortFrame(t *testing.T) {
	if _, _, err := Decode(make([]byte, 5)); !errors.Is(err, ErrShortFrame) {
		t.Fatalf("want ErrShortFrame, got %v", err)
	}
}

func TestDecodeNotACommandFrame(t *testing.T) {
	wire := Encode(Frame{Command: CmdBeginWrite})
	wire[0] ^= 0xFF
	if _, _, err := Decode(wire); !errors.Is(err, ErrNotACommandFrame) {
		t.Fatalf("want ErrNotACommandFrame, got %v", err)
	}
}

func TestDecodeChecksumCorruption(t *testing.T) {
	wire := Encode(Frame{Command: CmdBeginWrite, Payload: []byte{1, 2, 3, 4}})
	for i := range wire {
		mutated := bytes.Clone(wire)
		mutated[i] ^= 0x01
		if _, _, err := Decode(mutated); err == nil {
			t.Fatalf("byte %d: expected an error after single-bit flip", i)
		}
	}
}

func TestEncodeBeginNamed(t *testing.T) {
	f, err := EncodeBeginNamed("boot", 256)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(f.Payload) != 88 {
		t.Fatalf("payload length = %d, want 88 (spec.md §4.1/S1: cmd=0x0001 len=88)", len(f.Payload))
	}
	// "boot" round-trips through UTF-16LE as b\0o\0o\0t\0...
	want := []byte{'b', 0, 'o', 0, 'o', 0, 't', 0}
	if !bytes.Equal(f.Payload[:8], want) {
		t.Fatalf("name bytes = % X, want % X", f.Payload[:8], want)
	}

	wire := Encode(f)
	gotLen := binary.LittleEndian.Uint16(wire[4:6])
	if gotLen != 88 {
		t.Fatalf("wire frame_length = %d, want 88", gotLen)
	}
}

func TestEncodeBeginNamedTooLong(t *testing.T) {
	long := make([]rune, 40) // 40 UTF-16 code units == 80 bytes > 72
	for i := range long {
		long[i] = 'a'
	}
	_, err := EncodeBeginNamed(string(long), 0)
	if !errors.Is(err, ErrNameTooLong) {
		t.Fatalf("want ErrNameTooLong, got %v", err)
	}
}

func TestEncodePartitionTable(t *testing.T) {
	entries := []PartitionTableEntry{
		{Name: "boot", Gap: 0, Size: 256},
		{Name: "rootfs", Gap: 4096, Size: 1 << 20},
	}
	f, err := EncodePartitionTable(entries)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	wantLen := 8 + len(entries)*88
	if len(f.Payload) != wantLen {
		t.Fatalf("payload length = %d, want %d (spec.md §3: entries are exactly 88 bytes each)", len(f.Payload), wantLen)
	}
	if f.Command != CmdPartitionTable {
		t.Fatalf("command = %#x, want %#x", f.Command, CmdPartitionTable)
	}
}

func TestIsMarker(t *testing.T) {
	if !IsMarker(MarkerBytes[:]) {
		t.Fatalf("expected marker bytes to be recognized")
	}
	if IsMarker([]byte{0x00, 0x00, 0x00}) {
		t.Fatalf("did not expect non-marker bytes to be recognized")
	}
}
