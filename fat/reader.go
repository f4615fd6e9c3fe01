package fat

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"strings"
	"unicode/utf16"
)

// bpb mirrors the FAT32 boot sector layout. Field order matters: the struct
// is read with binary.Read.
type bpb struct {
	JumpBoot          [3]byte
	OEMName           [8]byte
	BytesPerSector    uint16
	SectorsPerCluster uint8
	ReservedSectors   uint16
	NumFATs           uint8
	RootEntryCount    uint16
	TotalSectors16    uint16
	Media             uint8
	FATSize16         uint16
	SectorsPerTrack   uint16
	NumHeads          uint16
	HiddenSectors     uint32
	TotalSectors32    uint32
	FATSize32         uint32
	ExtFlags          uint16
	FSVersion         uint16
	RootCluster       uint32
	FSInfoSector      uint16
	BackupBootSector  uint16
	Reserved          [12]byte
	DriveNumber       uint8
	Reserved1         uint8
	BootSignature     uint8
	VolumeID          uint32
	VolumeLabel       [11]byte
	FSType            [8]byte
}

// DirEntry is one decoded directory entry.
type DirEntry struct {
	// Name is the long name when present, otherwise the decoded 8.3 name.
	Name  string
	Size  uint32
	IsDir bool

	firstCluster uint32
}

// Reader decodes a FAT32 volume. It shares no serialization code with the
// builder beyond the alias checksum, so tests can use it as an independent
// check of emitted volumes.
type Reader struct {
	r            io.ReaderAt
	bpb          bpb
	fat          []uint32
	dataStart    int64 // byte offset of cluster 2
	clusterBytes int
}

// NewReader parses the boot sector and primary FAT of the volume in r.
func NewReader(r io.ReaderAt) (*Reader, error) {
	sector := make([]byte, 512)
	if _, err := r.ReadAt(sector, 0); err != nil {
		return nil, fmt.Errorf("fat: reading boot sector: %v", err)
	}
	if sector[510] != 0x55 || sector[511] != 0xAA {
		return nil, fmt.Errorf("fat: missing boot sector signature")
	}

	var b bpb
	if err := binary.Read(bytes.NewReader(sector), binary.LittleEndian, &b); err != nil {
		return nil, err
	}
	if got := strings.TrimRight(string(b.FSType[:]), " "); got != "FAT32" {
		return nil, fmt.Errorf("fat: file system type %q, want FAT32", got)
	}
	if b.BytesPerSector != 512 {
		return nil, fmt.Errorf("fat: %d bytes per sector not supported", b.BytesPerSector)
	}
	if b.SectorsPerCluster == 0 {
		return nil, fmt.Errorf("fat: zero sectors per cluster")
	}

	fatBytes := make([]byte, int64(b.FATSize32)*512)
	if _, err := r.ReadAt(fatBytes, int64(b.ReservedSectors)*512); err != nil {
		return nil, fmt.Errorf("fat: reading allocation table: %v", err)
	}
	fat := make([]uint32, len(fatBytes)/4)
	for i := range fat {
		fat[i] = binary.LittleEndian.Uint32(fatBytes[i*4:]) & 0x0FFFFFFF
	}

	dataStart := int64(b.ReservedSectors)*512 + int64(b.NumFATs)*int64(b.FATSize32)*512
	return &Reader{
		r:            r,
		bpb:          b,
		fat:          fat,
		dataStart:    dataStart,
		clusterBytes: int(b.SectorsPerCluster) * 512,
	}, nil
}

// Label returns the volume label from the boot sector.
func (r *Reader) Label() string {
	return strings.TrimRight(string(r.bpb.VolumeLabel[:]), " ")
}

// VolumeID returns the volume serial number.
func (r *Reader) VolumeID() uint32 {
	return r.bpb.VolumeID
}

// ReadDir lists the directory at path ("/" or "" for the root). The volume
// label and the dot entries are omitted.
func (r *Reader) ReadDir(path string) ([]DirEntry, error) {
	e, err := r.lookup(path)
	if err != nil {
		return nil, err
	}
	if !e.IsDir {
		return nil, fmt.Errorf("fat: %q is a file", path)
	}
	return r.readDirAt(e.firstCluster)
}

// ReadFile returns the contents of the file at path.
func (r *Reader) ReadFile(path string) ([]byte, error) {
	e, err := r.lookup(path)
	if err != nil {
		return nil, err
	}
	if e.IsDir {
		return nil, fmt.Errorf("fat: %q is a directory", path)
	}
	data, err := r.readChain(e.firstCluster)
	if err != nil {
		return nil, err
	}
	if uint32(len(data)) < e.Size {
		return nil, fmt.Errorf("fat: %q: chain holds %d bytes, entry declares %d", path, len(data), e.Size)
	}
	return data[:e.Size], nil
}

func (r *Reader) lookup(path string) (DirEntry, error) {
	root := DirEntry{Name: "/", IsDir: true, firstCluster: r.bpb.RootCluster}
	cur := root
	for _, component := range strings.Split(path, "/") {
		if component == "" {
			continue
		}
		if !cur.IsDir {
			return DirEntry{}, fmt.Errorf("fat: %q: %q is a file", path, cur.Name)
		}
		entries, err := r.readDirAt(cur.firstCluster)
		if err != nil {
			return DirEntry{}, err
		}
		found := false
		for _, e := range entries {
			if strings.EqualFold(e.Name, component) {
				cur = e
				found = true
				break
			}
		}
		if !found {
			return DirEntry{}, fmt.Errorf("fat: %q not found", path)
		}
	}
	return cur, nil
}

func (r *Reader) readDirAt(cluster uint32) ([]DirEntry, error) {
	data, err := r.readChain(cluster)
	if err != nil {
		return nil, err
	}

	var entries []DirEntry
	// Long-name fragments accumulate keyed by sequence number until the
	// short entry they belong to arrives.
	lfn := make(map[int][]uint16)
	lfnSum := -1
	for off := 0; off+32 <= len(data); off += 32 {
		e := data[off : off+32]
		switch {
		case e[0] == 0x00:
			return entries, nil
		case e[0] == 0xE5:
			lfn, lfnSum = make(map[int][]uint16), -1
			continue
		}
		attr := e[11]
		if attr&0x3F == attrLongName {
			seq := int(e[0] & 0x1F)
			units := make([]uint16, lfnChars)
			for i, o := range lfnUnitOffsets {
				units[i] = binary.LittleEndian.Uint16(e[o:])
			}
			lfn[seq] = units
			lfnSum = int(e[13])
			continue
		}
		if attr&attrVolumeID != 0 {
			lfn, lfnSum = make(map[int][]uint16), -1
			continue
		}

		var alias [11]byte
		copy(alias[:], e[:11])
		name := decodeAlias(alias)
		if name == "." || name == ".." {
			lfn, lfnSum = make(map[int][]uint16), -1
			continue
		}
		if len(lfn) > 0 && lfnSum == int(aliasChecksum(alias)) {
			if long := assembleLongName(lfn); long != "" {
				name = long
			}
		}
		lfn, lfnSum = make(map[int][]uint16), -1

		entries = append(entries, DirEntry{
			Name:         name,
			Size:         binary.LittleEndian.Uint32(e[28:]),
			IsDir:        attr&attrDirectory != 0,
			firstCluster: uint32(binary.LittleEndian.Uint16(e[20:]))<<16 | uint32(binary.LittleEndian.Uint16(e[26:])),
		})
	}
	return entries, nil
}

func (r *Reader) readChain(first uint32) ([]byte, error) {
	var out []byte
	cluster := first
	for steps := 0; ; steps++ {
		if steps > len(r.fat) {
			return nil, fmt.Errorf("fat: cluster chain from %d does not terminate", first)
		}
		if cluster < 2 || int(cluster) >= len(r.fat) {
			return nil, fmt.Errorf("fat: cluster %d out of range", cluster)
		}
		buf := make([]byte, r.clusterBytes)
		off := r.dataStart + int64(cluster-2)*int64(r.clusterBytes)
		if _, err := r.r.ReadAt(buf, off); err != nil {
			return nil, fmt.Errorf("fat: reading cluster %d: %v", cluster, err)
		}
		out = append(out, buf...)
		next := r.fat[cluster]
		if next >= 0x0FFFFFF8 {
			return out, nil
		}
		cluster = next
	}
}

func decodeAlias(alias [11]byte) string {
	base := strings.TrimRight(string(alias[:8]), " ")
	ext := strings.TrimRight(string(alias[8:]), " ")
	if base == "" && ext == "" {
		return ""
	}
	// A dot entry stores the dots in the base field.
	if alias[0] == '.' {
		return base
	}
	if ext == "" {
		return base
	}
	return base + "." + ext
}

func assembleLongName(fragments map[int][]uint16) string {
	var units []uint16
	for seq := 1; ; seq++ {
		frag, ok := fragments[seq]
		if !ok {
			break
		}
		units = append(units, frag...)
	}
	for i, u := range units {
		if u == 0x0000 {
			units = units[:i]
			break
		}
	}
	for len(units) > 0 && units[len(units)-1] == 0xFFFF {
		units = units[:len(units)-1]
	}
	return string(utf16.Decode(units))
}
