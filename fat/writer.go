package fat

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/StageGuard/miniature/mapping"
	"github.com/StageGuard/miniature/plan"
)

const (
	// mediaHardDisk is the media descriptor for a hard disk (as opposed to
	// floppy).
	mediaHardDisk = 0xF8

	// endOfChain marks the end of a cluster chain in the FAT. Values from
	// 0x0FFFFFF8 up are all treated as terminators on the read path.
	endOfChain = uint32(0x0FFFFFFF)

	// rootCluster is where FAT32 keeps the root directory chain.
	rootCluster = uint32(2)

	attrReadOnly  = 0x01
	attrVolumeID  = 0x08
	attrDirectory = 0x10
	attrArchive   = 0x20
	attrLongName  = attrReadOnly | 0x02 | attrVolumeID | 0x04 // 0x0F

	fsInfoSector     = 1
	backupBootSector = 6
)

// DefaultLabel is used when Config.Label is empty.
const DefaultLabel = "MINIATURE"

// Config carries the caller-supplied volume parameters. All of them are
// deterministic inputs: building twice with the same Config and sources
// yields byte-identical volumes.
type Config struct {
	// Label is the volume label, at most 11 bytes after upper-casing.
	Label string

	// VolumeID is the 32-bit volume serial number in the boot sector.
	VolumeID uint32

	// ModTime is stamped on every directory entry. The zero value means
	// the FAT epoch (1980-01-01).
	ModTime time.Time
}

func (c *Config) label() [11]byte {
	l := c.Label
	if l == "" {
		l = DefaultLabel
	}
	l = strings.ToUpper(l)
	var out [11]byte
	for i := range out {
		out[i] = ' '
	}
	copy(out[:], l)
	return out
}

func (c *Config) modTime() time.Time {
	if c.ModTime.IsZero() {
		return time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	return c.ModTime.UTC()
}

// childRef addresses one directory child inside the builder arenas.
type childRef struct {
	index int
	isDir bool
}

// dirNode lives in an index-addressed arena so that the parent references
// needed for .. entries cannot form ownership cycles.
type dirNode struct {
	name         string
	parent       int
	order        []childRef          // creation order, drives entry layout
	byName       map[string]childRef // keyed by upper-cased name
	firstCluster uint32
}

type fileNode struct {
	name         string
	source       string
	size         uint64
	firstCluster uint32
}

type builder struct {
	p    *plan.Plan
	cfg  Config
	fsys afero.Fs

	volume []byte
	fat    []uint32 // one entry per cluster, plus the two reserved slots
	next   uint32   // lowest never-allocated cluster

	dirs  []dirNode // index 0 is the root
	files []fileNode
}

// Build synthesizes the complete FAT32 volume for the given plan, placing
// every entry's bytes at its destination path and creating intermediate
// directories as needed. Source contents are read through fsys.
func Build(p *plan.Plan, entries []mapping.FileEntry, fsys afero.Fs, cfg Config) ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if p.FATWidth != 32 {
		return nil, fmt.Errorf("fat: only FAT32 volumes are built, plan wants FAT%d", p.FATWidth)
	}

	b := &builder{
		p:      p,
		cfg:    cfg,
		fsys:   fsys,
		volume: make([]byte, p.PartitionBytes()),
		fat:    make([]uint32, p.ClusterCount+2),
		next:   rootCluster,
		dirs:   []dirNode{{parent: 0, byName: make(map[string]childRef)}},
	}
	b.fat[0] = 0x0FFFFF00 | mediaHardDisk
	b.fat[1] = endOfChain

	for i := range entries {
		if err := b.addFile(&entries[i]); err != nil {
			return nil, err
		}
	}
	if err := b.allocate(); err != nil {
		return nil, err
	}
	if err := b.writeDirTables(); err != nil {
		return nil, err
	}
	if err := b.writeFileData(); err != nil {
		return nil, err
	}
	if err := b.writeBootRegion(); err != nil {
		return nil, err
	}
	b.writeFAT()
	return b.volume, nil
}

// addFile inserts one entry into the directory arena, creating intermediate
// directories implicitly.
func (b *builder) addFile(e *mapping.FileEntry) error {
	cur := 0
	for i, component := range e.Dest {
		key := strings.ToUpper(component)
		last := i == len(e.Dest)-1
		if ref, ok := b.dirs[cur].byName[key]; ok {
			if last || !ref.isDir {
				return fmt.Errorf("%w: %q collides at component %q",
					mapping.ErrDuplicateDest, e.DestPath(), component)
			}
			cur = ref.index
			continue
		}
		if last {
			b.files = append(b.files, fileNode{
				name:   component,
				source: e.Source,
				size:   e.Size,
			})
			ref := childRef{index: len(b.files) - 1}
			b.dirs[cur].order = append(b.dirs[cur].order, ref)
			b.dirs[cur].byName[key] = ref
			continue
		}
		b.dirs = append(b.dirs, dirNode{
			name:   component,
			parent: cur,
			byName: make(map[string]childRef),
		})
		ref := childRef{index: len(b.dirs) - 1, isDir: true}
		b.dirs[cur].order = append(b.dirs[cur].order, ref)
		b.dirs[cur].byName[key] = ref
		cur = ref.index
	}
	return nil
}

// allocate assigns cluster chains: the root directory table first (so it
// lands on cluster 2), then every directory's children depth-first in
// creation order.
func (b *builder) allocate() error {
	var walk func(d int) error
	walk = func(d int) error {
		for _, c := range b.dirs[d].order {
			if c.isDir {
				sub := &b.dirs[c.index]
				first, err := b.allocChain(uint64(b.tableSlots(c.index)) * plan.DirEntrySize)
				if err != nil {
					return err
				}
				sub.firstCluster = first
				if err := walk(c.index); err != nil {
					return err
				}
				continue
			}
			f := &b.files[c.index]
			first, err := b.allocChain(f.size)
			if err != nil {
				return err
			}
			f.firstCluster = first
		}
		return nil
	}
	first, err := b.allocChain(uint64(b.tableSlots(0)) * plan.DirEntrySize)
	if err != nil {
		return err
	}
	if first != rootCluster {
		return fmt.Errorf("fat: root directory allocated at cluster %d, must be %d", first, rootCluster)
	}
	b.dirs[0].firstCluster = first
	return walk(0)
}

// allocChain reserves the chain for size bytes and links it in the FAT.
// Zero-byte files still receive exactly one cluster, which keeps every
// directory entry pointing at a real chain.
func (b *builder) allocChain(size uint64) (uint32, error) {
	n := uint32(1)
	if size > 0 {
		cb := b.p.ClusterBytes()
		n = uint32((size + cb - 1) / cb)
	}
	last := b.p.ClusterCount + 1 // clusters are numbered 2..ClusterCount+1
	if b.next+n-1 > last {
		// The planner reserves an upper bound, so running out here is a
		// builder bug, not an input problem.
		return 0, fmt.Errorf("fat: internal: cluster allocation past planned end (next %d, need %d, last %d)",
			b.next, n, last)
	}
	first := b.next
	for i := uint32(0); i < n-1; i++ {
		b.fat[first+i] = first + i + 1
	}
	b.fat[first+n-1] = endOfChain
	b.next = first + n
	return first, nil
}

// tableSlots counts the 32-byte entry slots of a directory table: the
// volume label entry in the root, . and .. elsewhere, then one short entry
// per child plus its long-name entries.
func (b *builder) tableSlots(d int) int {
	slots := 1 // volume label in the root
	if d != 0 {
		slots = 2 // . and ..
	}
	for _, c := range b.dirs[d].order {
		name := b.childName(c)
		slots += entrySlots(name)
	}
	return slots
}

func (b *builder) childName(c childRef) string {
	if c.isDir {
		return b.dirs[c.index].name
	}
	return b.files[c.index].name
}

// writeDirTables serializes every directory table into its cluster chain.
func (b *builder) writeDirTables() error {
	for d := range b.dirs {
		table, err := b.dirTable(d)
		if err != nil {
			return err
		}
		if err := b.writeChain(b.dirs[d].firstCluster, table); err != nil {
			return fmt.Errorf("fat: directory %q: %v", b.dirs[d].name, err)
		}
	}
	return nil
}

func (b *builder) dirTable(d int) ([]byte, error) {
	dir := &b.dirs[d]
	t := b.cfg.modTime()
	var buf bytes.Buffer

	if d == 0 {
		writeShortEntry(&buf, b.cfg.label(), attrVolumeID, 0, 0, t)
	} else {
		dot := [11]byte{'.', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' '}
		dotdot := [11]byte{'.', '.', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' '}
		parentCluster := b.dirs[dir.parent].firstCluster
		if dir.parent == 0 {
			// references to the root directory are stored as cluster 0
			parentCluster = 0
		}
		writeShortEntry(&buf, dot, attrDirectory, dir.firstCluster, 0, t)
		writeShortEntry(&buf, dotdot, attrDirectory, parentCluster, 0, t)
	}

	// Exact short names claim their slot up front so that a generated
	// alias can never shadow a sibling.
	taken := make(map[[11]byte]bool)
	for _, c := range dir.order {
		if alias, ok := shortName(b.childName(c)); ok {
			taken[alias] = true
		}
	}

	for _, c := range dir.order {
		name := b.childName(c)
		var attr uint8
		var cluster, size uint32
		if c.isDir {
			attr = attrDirectory
			cluster = b.dirs[c.index].firstCluster
		} else {
			f := &b.files[c.index]
			attr = attrArchive
			cluster = f.firstCluster
			size = uint32(f.size)
		}

		alias, ok := shortName(name)
		if !ok {
			var err error
			alias, err = makeAlias(name, taken)
			if err != nil {
				return nil, err
			}
			taken[alias] = true
			for _, e := range longNameEntries(name, aliasChecksum(alias)) {
				buf.Write(e[:])
			}
		}
		writeShortEntry(&buf, alias, attr, cluster, size, t)
	}

	if buf.Len() != b.tableSlots(d)*plan.DirEntrySize {
		return nil, fmt.Errorf("fat: internal: directory %q serialized to %d bytes, reserved %d",
			dir.name, buf.Len(), b.tableSlots(d)*plan.DirEntrySize)
	}
	return buf.Bytes(), nil
}

// writeShortEntry appends one 32-byte directory entry. buf never fails.
func writeShortEntry(buf *bytes.Buffer, alias [11]byte, attr uint8, cluster, size uint32, t time.Time) {
	for _, v := range []interface{}{
		alias,
		attr,
		uint8(0), // reserved (NT case flags)
		uint8(0), // creation time, 10ms units
		encodeTime(t),
		encodeDate(t),
		encodeDate(t), // last access
		uint16(cluster >> 16),
		encodeTime(t),
		encodeDate(t),
		uint16(cluster & 0xFFFF),
		size,
	} {
		binary.Write(buf, binary.LittleEndian, v)
	}
}

func encodeTime(t time.Time) uint16 {
	return uint16(t.Hour())<<11 | uint16(t.Minute())<<5 | uint16(t.Second()/2)
}

func encodeDate(t time.Time) uint16 {
	return uint16(t.Year()-1980)<<9 | uint16(t.Month())<<5 | uint16(t.Day())
}

// writeFileData copies every source file into its cluster chain. The final
// partial cluster stays zero because the volume buffer starts zeroed.
func (b *builder) writeFileData() error {
	for i := range b.files {
		f := &b.files[i]
		data, err := afero.ReadFile(b.fsys, f.source)
		if err != nil {
			return fmt.Errorf("fat: reading %q: %v", f.source, err)
		}
		if uint64(len(data)) != f.size {
			return fmt.Errorf("fat: source %q changed during build: planned for %d bytes, read %d",
				f.source, f.size, len(data))
		}
		if err := b.writeChain(f.firstCluster, data); err != nil {
			return fmt.Errorf("fat: file %q: %v", f.name, err)
		}
	}
	return nil
}

// writeChain copies data into the chain starting at first, walking the FAT
// links and validating that the chain length matches the data.
func (b *builder) writeChain(first uint32, data []byte) error {
	cb := int(b.p.ClusterBytes())
	cluster := first
	for off := 0; ; off += cb {
		if off < len(data) {
			end := off + cb
			if end > len(data) {
				end = len(data)
			}
			copy(b.volume[b.clusterOffset(cluster):], data[off:end])
		}
		next := b.fat[cluster]
		if next >= 0x0FFFFFF8 {
			if len(data) > off+cb {
				return fmt.Errorf("internal: chain ended at cluster %d with %d bytes unwritten",
					cluster, len(data)-off-cb)
			}
			return nil
		}
		cluster = next
	}
}

func (b *builder) clusterOffset(cluster uint32) uint64 {
	sector := b.p.DataStartSector() + uint64(cluster-rootCluster)*uint64(b.p.ClusterSizeSectors)
	return sector * uint64(b.p.SectorSize)
}

// writeBootRegion emits the boot sector and FS information sector along
// with their backup copies at sectors 6 and 7.
func (b *builder) writeBootRegion() error {
	bs, err := b.bootSector()
	if err != nil {
		return err
	}
	ss := int(b.p.SectorSize)
	copy(b.volume[0:], bs)
	copy(b.volume[backupBootSector*ss:], bs)

	fsi := b.fsInfo()
	copy(b.volume[fsInfoSector*ss:], fsi)
	copy(b.volume[(backupBootSector+1)*ss:], fsi)
	return nil
}

func (b *builder) bootSector() ([]byte, error) {
	if b.p.PartitionSectors > 0xFFFFFFFF {
		return nil, fmt.Errorf("fat: internal: partition of %d sectors does not fit the 32-bit total", b.p.PartitionSectors)
	}
	var buf bytes.Buffer
	for _, v := range []interface{}{
		[3]byte{0xEB, 0x58, 0x90},                       // jump code: intel 80x86 jump instruction
		[8]byte{'m', 'i', 'n', 'i', 'a', 't', 'u', 'r'}, // OEM
		uint16(b.p.SectorSize),
		uint8(b.p.ClusterSizeSectors),
		uint16(plan.ReservedSectors),
		uint8(plan.NumFATs),
		uint16(0), // root entry count lives in the FAT32 block instead
		uint16(0), // 16-bit total sector count unused
		uint8(mediaHardDisk),
		uint16(0),                     // 16-bit FAT size unused
		uint16(32),                    // (only for bootcode) number of sectors per track
		uint16(4),                     // (only for bootcode) number of heads
		uint32(b.p.PartitionStartLBA), // sectors preceding the partition
		uint32(b.p.PartitionSectors),
		b.p.FATSectors,
		uint16(0), // mirroring flags: both FAT copies are live
		uint16(0), // version 0.0
		rootCluster,
		uint16(fsInfoSector),
		uint16(backupBootSector),
		[12]byte{},  // reserved
		uint8(0x80), // (only for bootcode) drive number
		uint8(0),
		uint8(0x29), // magic value: boot signature
		b.cfg.VolumeID,
		b.cfg.label(),
		[8]byte{'F', 'A', 'T', '3', '2', ' ', ' ', ' '},
	} {
		if err := binary.Write(&buf, binary.LittleEndian, v); err != nil {
			return nil, err
		}
	}
	sector := make([]byte, b.p.SectorSize)
	copy(sector, buf.Bytes())
	sector[510] = 0x55
	sector[511] = 0xAA
	return sector, nil
}

func (b *builder) fsInfo() []byte {
	sector := make([]byte, b.p.SectorSize)
	binary.LittleEndian.PutUint32(sector[0:], 0x41615252)   // lead signature
	binary.LittleEndian.PutUint32(sector[484:], 0x61417272) // struct signature
	free := b.p.ClusterCount - (b.next - rootCluster)
	hint := b.next
	if free == 0 {
		hint = 0xFFFFFFFF
	}
	binary.LittleEndian.PutUint32(sector[488:], free)
	binary.LittleEndian.PutUint32(sector[492:], hint)
	sector[510] = 0x55
	sector[511] = 0xAA
	return sector
}

// writeFAT serializes the allocation table into both FAT regions.
func (b *builder) writeFAT() {
	ss := uint64(b.p.SectorSize)
	primary := plan.ReservedSectors * ss
	for i, v := range b.fat {
		binary.LittleEndian.PutUint32(b.volume[primary+uint64(i)*4:], v)
	}
	fatBytes := uint64(b.p.FATSectors) * ss
	copy(b.volume[primary+fatBytes:primary+2*fatBytes], b.volume[primary:primary+fatBytes])
}
