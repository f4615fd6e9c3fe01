// Package mbr builds the protective Master Boot Record that precedes a GPT.
// The single 0xEE entry marks the whole disk as claimed so legacy tools do
// not mistake it for unpartitioned space; nothing ever boots from it.
package mbr

import (
	"bytes"
	"encoding/binary"
)

// partitionEntry is one 16-byte legacy partition descriptor at offset 446.
type partitionEntry struct {
	Status   uint8
	CHSFirst [3]byte
	Type     uint8
	CHSLast  [3]byte
	FirstLBA uint32
	Sectors  uint32
}

// Protective returns sector 0 of a GPT disk with totalSectors logical
// blocks: zeroed boot code, one protective entry covering LBA 1 up to the
// end of the disk (clamped to the 32-bit maximum), and the boot signature.
func Protective(totalSectors uint64) [512]byte {
	sectors := totalSectors - 1
	if sectors > 0xFFFFFFFF {
		sectors = 0xFFFFFFFF
	}
	entry := partitionEntry{
		CHSFirst: [3]byte{0x00, 0x02, 0x00},
		Type:     0xEE, // GPT protective
		CHSLast:  [3]byte{0xFF, 0xFF, 0xFF},
		FirstLBA: 1,
		Sectors:  uint32(sectors),
	}

	buf := bytes.NewBuffer(make([]byte, 446, 512))
	// buf.Write never fails
	binary.Write(buf, binary.LittleEndian, &entry)

	var sector [512]byte
	copy(sector[:], buf.Bytes())
	sector[510] = 0x55
	sector[511] = 0xAA
	return sector
}
