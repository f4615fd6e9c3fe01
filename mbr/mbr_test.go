package mbr

import (
	"encoding/binary"
	"testing"
)

func TestProtective(t *testing.T) {
	t.Parallel()

	sector := Protective(204800)
	if sector[510] != 0x55 || sector[511] != 0xAA {
		t.Error("missing boot signature")
	}
	for i, b := range sector[:446] {
		if b != 0 {
			t.Fatalf("boot code byte %d is %#x, want 0", i, b)
		}
	}

	e := sector[446 : 446+16]
	if e[0] != 0x00 {
		t.Errorf("status = %#x, want 0x00", e[0])
	}
	if e[4] != 0xEE {
		t.Errorf("partition type = %#x, want 0xEE", e[4])
	}
	if got := binary.LittleEndian.Uint32(e[8:]); got != 1 {
		t.Errorf("first LBA = %d, want 1", got)
	}
	if got := binary.LittleEndian.Uint32(e[12:]); got != 204799 {
		t.Errorf("sectors = %d, want 204799", got)
	}

	// The remaining three slots stay empty.
	for i, b := range sector[446+16 : 510] {
		if b != 0 {
			t.Fatalf("entry area byte %d is %#x, want 0", 446+16+i, b)
		}
	}
}

func TestProtectiveClampsLargeDisks(t *testing.T) {
	t.Parallel()

	sector := Protective(1 << 33) // 4 TiB, exceeds the 32-bit sector count
	if got := binary.LittleEndian.Uint32(sector[446+12:]); got != 0xFFFFFFFF {
		t.Errorf("sectors = %#x, want 0xFFFFFFFF", got)
	}
}
