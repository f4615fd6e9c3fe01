package gpt

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/StageGuard/miniature/plan"
)

func testPlan(t *testing.T) *plan.Plan {
	t.Helper()
	p, err := plan.Compute(nil)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestGUIDFromBytes(t *testing.T) {
	b := [16]byte{
		162, 160, 208, 235, 229, 185, 51, 68, 135, 192, 104, 182, 183, 38, 153, 199,
	}
	got := GUIDFromBytes(b[:])
	const want = "EBD0A0A2-B9E5-4433-87C0-68B6B72699C7"
	if got != want {
		t.Errorf("GUIDFromBytes(%x) = %q, want %q", b, got, want)
	}
}

func TestDeriveGUIDs(t *testing.T) {
	t.Parallel()

	content := []byte("volume bytes")
	a := DeriveGUIDs("seed", content)
	b := DeriveGUIDs("seed", content)
	if a != b {
		t.Error("identical inputs produced different GUIDs")
	}
	if c := DeriveGUIDs("other", content); c == a {
		t.Error("different seeds produced identical GUIDs")
	}
	if a.Disk == a.Partition {
		t.Error("disk and partition GUIDs coincide")
	}

	// Version and variant bits must hold in the mixed-endian layout: the
	// canonical string shows version 4 and variant 10xx.
	for _, g := range [][16]byte{a.Disk, a.Partition} {
		s := GUIDFromBytes(g[:])
		if s[14] != '4' {
			t.Errorf("GUID %s: version nibble %c, want 4", s, s[14])
		}
		if v := s[19]; v != '8' && v != '9' && v != 'A' && v != 'B' {
			t.Errorf("GUID %s: variant nibble %c, want one of 89AB", s, v)
		}
	}
}

func TestTableHeaders(t *testing.T) {
	t.Parallel()

	p := testPlan(t)
	g := DeriveGUIDs("seed", nil)
	table := NewTable(p, g, "boot")
	array := table.EntryArray()

	if len(array) != NumEntries*EntrySize {
		t.Fatalf("entry array is %d bytes, want %d", len(array), NumEntries*EntrySize)
	}

	for _, tt := range []struct {
		name          string
		sector        []byte
		current, back uint64
		entriesLBA    uint64
	}{
		{"primary", table.PrimaryHeader(), 1, p.TotalImageSectors - 1, 2},
		{"backup", table.BackupHeader(), p.TotalImageSectors - 1, 1, p.TotalImageSectors - 33},
	} {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if err := VerifyHeader(tt.sector, array); err != nil {
				t.Fatal(err)
			}
			if got := binary.LittleEndian.Uint64(tt.sector[24:]); got != tt.current {
				t.Errorf("current LBA = %d, want %d", got, tt.current)
			}
			if got := binary.LittleEndian.Uint64(tt.sector[32:]); got != tt.back {
				t.Errorf("backup LBA = %d, want %d", got, tt.back)
			}
			if got := binary.LittleEndian.Uint64(tt.sector[72:]); got != tt.entriesLBA {
				t.Errorf("entry array LBA = %d, want %d", got, tt.entriesLBA)
			}
			if got := binary.LittleEndian.Uint64(tt.sector[40:]); got != 34 {
				t.Errorf("first usable LBA = %d, want 34", got)
			}
			if got, want := binary.LittleEndian.Uint64(tt.sector[48:]), p.TotalImageSectors-34; got != want {
				t.Errorf("last usable LBA = %d, want %d", got, want)
			}

			// Independent checksum: zero the CRC field and recompute.
			h := make([]byte, 92)
			copy(h, tt.sector)
			want := binary.LittleEndian.Uint32(h[16:])
			binary.LittleEndian.PutUint32(h[16:], 0)
			if got := crc32.ChecksumIEEE(h); got != want {
				t.Errorf("header CRC32 = %#08x, recomputed %#08x", want, got)
			}
			for _, b := range tt.sector[92:] {
				if b != 0 {
					t.Error("bytes past the 92-byte header are not zero")
					break
				}
			}
		})
	}
}

func TestVerifyHeaderDetectsCorruption(t *testing.T) {
	t.Parallel()

	p := testPlan(t)
	table := NewTable(p, DeriveGUIDs("seed", nil), "boot")
	array := table.EntryArray()

	sector := table.PrimaryHeader()
	sector[40] ^= 0xFF
	if err := VerifyHeader(sector, array); err == nil {
		t.Error("corrupted header passed verification")
	}

	sector = table.PrimaryHeader()
	array[0] ^= 0xFF
	if err := VerifyHeader(sector, array); err == nil {
		t.Error("corrupted entry array passed verification")
	}
}

func TestPartitionEntries(t *testing.T) {
	t.Parallel()

	p := testPlan(t)
	g := DeriveGUIDs("seed", nil)
	table := NewTable(p, g, "boot")

	// Protective MBR stand-in, header, entry array: the layout
	// PartitionEntries expects at the start of a disk.
	var disk bytes.Buffer
	disk.Write(make([]byte, 512))
	disk.Write(table.PrimaryHeader())
	disk.Write(table.EntryArray())

	parts, err := PartitionEntries(&disk)
	if err != nil {
		t.Fatal(err)
	}
	if len(parts) != 1 {
		t.Fatalf("got %d partitions, want 1", len(parts))
	}
	e := parts[0]
	if got, want := GUIDFromBytes(e.TypeGUID[:]), "C12A7328-F81F-11D2-BA4B-00A0C93EC93B"; got != want {
		t.Errorf("type GUID = %s, want %s (EFI System Partition)", got, want)
	}
	if e.GUID != g.Partition {
		t.Errorf("partition GUID = %x, want %x", e.GUID, g.Partition)
	}
	if e.FirstLBA != p.PartitionStartLBA {
		t.Errorf("first LBA = %d, want %d", e.FirstLBA, p.PartitionStartLBA)
	}
	if got, want := e.LastLBA, p.PartitionStartLBA+p.PartitionSectors-1; got != want {
		t.Errorf("last LBA = %d, want %d", got, want)
	}

	var name []byte
	for i := 0; i+1 < len(e.Name); i += 2 {
		if e.Name[i] == 0 && e.Name[i+1] == 0 {
			break
		}
		name = append(name, e.Name[i])
	}
	if diff := cmp.Diff("boot", string(name)); diff != "" {
		t.Errorf("partition name: diff (-want +got):\n%s", diff)
	}
}
