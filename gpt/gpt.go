// Package gpt builds GUID partition tables (primary and backup copies) for
// single-partition boot disks, and reads them back for verification.
package gpt

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"unicode/utf16"

	"golang.org/x/crypto/blake2b"

	"github.com/StageGuard/miniature/plan"
)

const (
	signature  = "EFI PART"
	revision   = 0x00010000
	headerSize = 92

	// NumEntries and EntrySize are the conventional array dimensions;
	// firmware expects at least 16 KiB of entry array.
	NumEntries = 128
	EntrySize  = 128

	// entryArraySectors is the array size in 512-byte sectors.
	entryArraySectors = NumEntries * EntrySize / 512
)

// ESPTypeGUID identifies an EFI System Partition
// (C12A7328-F81F-11D2-BA4B-00A0C93EC93B) in on-disk byte order.
var ESPTypeGUID = [16]byte{
	0x28, 0x73, 0x2A, 0xC1, 0x1F, 0xF8, 0xD2, 0x11,
	0xBA, 0x4B, 0x00, 0xA0, 0xC9, 0x3E, 0xC9, 0x3B,
}

type PartitionEntry struct {
	TypeGUID   [16]byte
	GUID       [16]byte
	FirstLBA   uint64
	LastLBA    uint64
	Attributes uint64
	Name       [72]byte
}

// header is the on-disk GPT header layout (92 bytes, the rest of the sector
// stays zero).
type header struct {
	Signature      [8]byte
	Revision       uint32
	HeaderSize     uint32
	HeaderCRC32    uint32
	Reserved       uint32
	CurrentLBA     uint64
	BackupLBA      uint64
	FirstUsableLBA uint64
	LastUsableLBA  uint64
	DiskGUID       [16]byte
	EntriesLBA     uint64
	NumEntries     uint32
	EntrySize      uint32
	EntriesCRC32   uint32
}

// GUIDs carries the disk and partition identifiers embedded in the table.
type GUIDs struct {
	Disk      [16]byte
	Partition [16]byte
}

// DeriveGUIDs derives well-formed version-4 style GUIDs from a seed and the
// volume content, so that identical inputs always produce identical tables.
func DeriveGUIDs(seed string, content []byte) GUIDs {
	h, err := blake2b.New256(nil)
	if err != nil {
		panic(err) // only fails for oversized keys
	}
	h.Write([]byte(seed))
	h.Write(content)
	sum := h.Sum(nil)

	var g GUIDs
	copy(g.Disk[:], sum[:16])
	copy(g.Partition[:], sum[16:])
	setVersion4(&g.Disk)
	setVersion4(&g.Partition)
	return g
}

// setVersion4 patches the RFC 4122 version and variant bits in the GPT
// mixed-endian layout (time-high word at bytes 6-7, clock-seq at byte 8).
func setVersion4(g *[16]byte) {
	g[7] = g[7]&0x0F | 0x40
	g[8] = g[8]&0x3F | 0x80
}

// Table describes a GPT with exactly one populated entry, the boot
// partition. All other entries stay zero-filled as the format requires.
type Table struct {
	DiskGUID     [16]byte
	Entries      [NumEntries]PartitionEntry
	totalSectors uint64
}

// NewTable lays out the table for the planned image: the boot partition
// spans the FAT volume, the entry array sits at LBA 2 with its backup
// immediately before the backup header in the last sector.
func NewTable(p *plan.Plan, g GUIDs, name string) *Table {
	t := &Table{
		DiskGUID:     g.Disk,
		totalSectors: p.TotalImageSectors,
	}
	e := &t.Entries[0]
	e.TypeGUID = ESPTypeGUID
	e.GUID = g.Partition
	e.FirstLBA = p.PartitionStartLBA
	e.LastLBA = p.PartitionStartLBA + p.PartitionSectors - 1
	for i, u := range utf16.Encode([]rune(name)) {
		if i >= len(e.Name)/2-1 {
			break
		}
		binary.LittleEndian.PutUint16(e.Name[i*2:], u)
	}
	return t
}

// EntryArray renders the full partition entry array
// (NumEntries x EntrySize bytes). Primary and backup copies are identical.
func (t *Table) EntryArray() []byte {
	var buf bytes.Buffer
	for i := range t.Entries {
		binary.Write(&buf, binary.LittleEndian, &t.Entries[i])
	}
	return buf.Bytes()
}

// PrimaryHeader renders the header sector at LBA 1.
func (t *Table) PrimaryHeader() []byte {
	return t.headerSector(1, t.totalSectors-1, 2)
}

// BackupHeader renders the header sector for the last LBA of the image,
// with the current/backup roles swapped and the entry array relocated to
// just before it.
func (t *Table) BackupHeader() []byte {
	return t.headerSector(t.totalSectors-1, 1, t.totalSectors-1-entryArraySectors)
}

func (t *Table) headerSector(current, backup, entriesLBA uint64) []byte {
	h := header{
		Revision:       revision,
		HeaderSize:     headerSize,
		CurrentLBA:     current,
		BackupLBA:      backup,
		FirstUsableLBA: 2 + entryArraySectors,
		LastUsableLBA:  t.totalSectors - entryArraySectors - 2,
		DiskGUID:       t.DiskGUID,
		EntriesLBA:     entriesLBA,
		NumEntries:     NumEntries,
		EntrySize:      EntrySize,
		EntriesCRC32:   crc32.ChecksumIEEE(t.EntryArray()),
	}
	copy(h.Signature[:], signature)

	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, &h)
	sector := make([]byte, 512)
	copy(sector, buf.Bytes())
	binary.LittleEndian.PutUint32(sector[16:], headerCRC(sector))
	return sector
}

// headerCRC computes the header checksum over the 92 header bytes with the
// CRC field itself zeroed. The verify path calls this same function, so the
// two cannot drift.
func headerCRC(sector []byte) uint32 {
	h := make([]byte, headerSize)
	copy(h, sector[:headerSize])
	for i := 16; i < 20; i++ {
		h[i] = 0
	}
	return crc32.ChecksumIEEE(h)
}

// VerifyHeader recomputes both checksums of a rendered header sector against
// the given entry array and reports the first mismatch.
func VerifyHeader(sector, entryArray []byte) error {
	if len(sector) < headerSize {
		return fmt.Errorf("gpt: header truncated at %d bytes", len(sector))
	}
	if string(sector[:8]) != signature {
		return fmt.Errorf("gpt: bad signature %q", sector[:8])
	}
	if got, want := binary.LittleEndian.Uint32(sector[16:]), headerCRC(sector); got != want {
		return fmt.Errorf("gpt: header CRC32 %#08x, computed %#08x", got, want)
	}
	num := binary.LittleEndian.Uint32(sector[80:])
	size := binary.LittleEndian.Uint32(sector[84:])
	if int(num)*int(size) != len(entryArray) {
		return fmt.Errorf("gpt: header declares %d entries of %d bytes, array is %d bytes",
			num, size, len(entryArray))
	}
	if got, want := binary.LittleEndian.Uint32(sector[88:]), crc32.ChecksumIEEE(entryArray); got != want {
		return fmt.Errorf("gpt: entry array CRC32 %#08x, computed %#08x", got, want)
	}
	return nil
}

// PartitionEntries returns the populated GPT partition entries on the disk,
// reading the primary header to size the array.
func PartitionEntries(r io.Reader) ([]PartitionEntry, error) {
	// 512 bytes protective MBR, then the GPT header sector.
	buf := make([]byte, 2*512)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	hdr := buf[512:]
	if string(hdr[:8]) != signature {
		return nil, fmt.Errorf("gpt: bad signature %q", hdr[:8])
	}
	num := binary.LittleEndian.Uint32(hdr[80:])
	size := binary.LittleEndian.Uint32(hdr[84:])

	array := make([]byte, int(num)*int(size))
	if _, err := io.ReadFull(r, array); err != nil {
		return nil, err
	}
	var parts []PartitionEntry
	rd := bytes.NewReader(array)
	for idx := uint32(0); idx < num; idx++ {
		var p PartitionEntry
		if err := binary.Read(rd, binary.LittleEndian, &p); err != nil {
			return nil, err
		}
		if p.TypeGUID == [16]byte{} {
			continue
		}
		parts = append(parts, p)
	}
	return parts, nil
}

// GUIDFromBytes returns the canonical string representation of the specified
// GUID.
func GUIDFromBytes(b []byte) string {
	// See Intel EFI specification, Appendix A: GUID and Time Formats
	// https://www.intel.de/content/dam/doc/product-specification/efi-v1-10-specification.pdf
	var (
		timeLow                 uint32
		timeMid                 uint16
		timeHighAndVersion      uint16
		clockSeqHighAndReserved uint8
		clockSeqLow             uint8
		node                    [6]byte
	)
	timeLow = binary.LittleEndian.Uint32(b[0:4])
	timeMid = binary.LittleEndian.Uint16(b[4:6])
	timeHighAndVersion = binary.LittleEndian.Uint16(b[6:8])
	clockSeqHighAndReserved = b[8]
	clockSeqLow = b[9]
	copy(node[:], b[10:])
	return fmt.Sprintf("%08X-%04X-%04X-%02X%02X-%012X",
		timeLow,
		timeMid,
		timeHighAndVersion,
		clockSeqHighAndReserved,
		clockSeqLow,
		node)
}
