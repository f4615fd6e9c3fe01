// Package plan computes the FAT32 volume geometry and overall raw disk
// geometry for a set of files, before any bytes are produced. The planner
// only ever overestimates directory overhead, so the builder can never run
// out of the clusters reserved here.
package plan

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf16"

	"github.com/StageGuard/miniature/mapping"
)

const (
	// SectorSize is fixed; UEFI firmware and the FAT32 layout below assume
	// 512-byte logical sectors.
	SectorSize = 512

	// PartitionStartLBA places the boot partition at the 1 MiB alignment
	// boundary firmware commonly expects.
	PartitionStartLBA = 2048

	// ReservedSectors covers the FAT32 reserved region: boot sector, FS
	// information sector and their backup copies at sectors 6 and 7.
	ReservedSectors = 32

	// NumFATs is the number of file allocation table copies.
	NumFATs = 2

	// DirEntrySize is one short-name directory entry slot.
	DirEntrySize = 32

	// MinFAT32Clusters is the smallest data cluster count for which a
	// volume is interpreted as FAT32 rather than FAT16. Volumes with less
	// content are padded up to this floor, never downgraded to FAT16, since
	// UEFI requires FAT32 on the system partition.
	MinFAT32Clusters = 65525

	// MaxFAT32Clusters is the architectural ceiling: FAT32 entries use 28
	// bits, values 0x0FFFFFF7 and above are reserved for bad-cluster and
	// end-of-chain markers, and clusters 0 and 1 do not exist in the data
	// region.
	MaxFAT32Clusters = 268435445

	// BackupGPTSectors trail the partition: 32 sectors of backup partition
	// entry array plus the backup header in the image's last sector.
	BackupGPTSectors = 33

	// lfnChars is the number of UTF-16 name units carried per long-name
	// directory entry.
	lfnChars = 13
)

// ErrInfeasible is returned when the requested content cannot be addressed
// even with the largest permitted cluster size.
var ErrInfeasible = errors.New("content exceeds addressable FAT32 capacity")

// clusterSizes is the standard progression of sectors per cluster.
var clusterSizes = []uint32{1, 2, 4, 8, 16, 32, 64, 128}

// Plan is the computed geometry of one disk image.
type Plan struct {
	SectorSize         uint32
	ClusterSizeSectors uint32
	FATWidth           uint32 // bits per FAT entry; always 32 here
	ClusterCount       uint32 // data clusters, excluding the two reserved FAT slots
	FATSectors         uint32 // sectors per FAT copy
	PartitionStartLBA  uint64
	PartitionSectors   uint64
	TotalImageSectors  uint64
}

// Compute derives the image geometry for the given entries.
func Compute(entries []mapping.FileEntry) (*Plan, error) {
	for i := range entries {
		if entries[i].Size > 0xFFFFFFFF {
			return nil, fmt.Errorf("%w: %q is %d bytes, FAT32 files hold at most 4 GiB-1",
				ErrInfeasible, entries[i].DestPath(), entries[i].Size)
		}
	}
	for _, spc := range clusterSizes {
		clusters := clustersNeeded(entries, spc)
		if clusters < MinFAT32Clusters {
			clusters = MinFAT32Clusters
		}
		if clusters > MaxFAT32Clusters {
			continue
		}
		p := &Plan{
			SectorSize:         SectorSize,
			ClusterSizeSectors: spc,
			FATWidth:           32,
			ClusterCount:       uint32(clusters),
			PartitionStartLBA:  PartitionStartLBA,
		}
		// Each FAT copy holds one 4-byte entry per cluster plus the two
		// reserved leading entries, rounded up to whole sectors.
		p.FATSectors = uint32((uint64(p.ClusterCount)+2)*4+SectorSize-1) / SectorSize
		p.PartitionSectors = ReservedSectors +
			uint64(NumFATs)*uint64(p.FATSectors) +
			uint64(p.ClusterCount)*uint64(spc)
		if p.PartitionSectors > 0xFFFFFFFF {
			// The boot sector stores the total as 32 bits; no cluster size
			// makes the same content smaller.
			return nil, fmt.Errorf("%w: partition of %d sectors exceeds the 32-bit sector count",
				ErrInfeasible, p.PartitionSectors)
		}
		p.TotalImageSectors = p.PartitionStartLBA + p.PartitionSectors + BackupGPTSectors
		if err := p.Validate(); err != nil {
			return nil, err
		}
		return p, nil
	}
	largest := clustersNeeded(entries, clusterSizes[len(clusterSizes)-1])
	return nil, fmt.Errorf("%w: need %d clusters, maximum %d", ErrInfeasible, largest, MaxFAT32Clusters)
}

// Validate checks the FAT width invariants.
func (p *Plan) Validate() error {
	switch p.FATWidth {
	case 32:
		if p.ClusterCount < MinFAT32Clusters {
			return fmt.Errorf("FAT32 requires at least %d clusters, plan has %d", MinFAT32Clusters, p.ClusterCount)
		}
		if p.ClusterCount > MaxFAT32Clusters {
			return fmt.Errorf("FAT32 addresses at most %d clusters, plan has %d", MaxFAT32Clusters, p.ClusterCount)
		}
	case 16:
		if p.ClusterCount < 4085 || p.ClusterCount > 65524 {
			return fmt.Errorf("FAT16 requires 4085..65524 clusters, plan has %d", p.ClusterCount)
		}
	default:
		return fmt.Errorf("unsupported FAT width %d", p.FATWidth)
	}
	return nil
}

// ClusterBytes returns the size of one cluster in bytes.
func (p *Plan) ClusterBytes() uint64 {
	return uint64(p.ClusterSizeSectors) * uint64(p.SectorSize)
}

// DataStartSector returns the first sector of the data region, relative to
// the partition start.
func (p *Plan) DataStartSector() uint64 {
	return ReservedSectors + uint64(NumFATs)*uint64(p.FATSectors)
}

// PartitionBytes returns the FAT volume size in bytes.
func (p *Plan) PartitionBytes() uint64 {
	return p.PartitionSectors * uint64(p.SectorSize)
}

// TotalImageBytes returns the raw image size in bytes.
func (p *Plan) TotalImageBytes() uint64 {
	return p.TotalImageSectors * uint64(p.SectorSize)
}

// clustersNeeded sums the cluster chains of all files and directory tables
// for a given cluster size. The directory estimate reserves long-name slots
// for every child whether or not the builder ends up emitting them.
func clustersNeeded(entries []mapping.FileEntry, spc uint32) uint64 {
	clusterBytes := uint64(spc) * SectorSize

	// Directory table sizes in entry slots, keyed by case-folded path.
	// The root ("") starts with one slot for the volume label entry;
	// non-root directories start with the . and .. entries.
	dirSlots := map[string]uint64{"": 1}
	var clusters uint64
	for i := range entries {
		e := &entries[i]
		parent := ""
		for j, component := range e.Dest {
			dirSlots[parent] += entrySlots(component)
			if j == len(e.Dest)-1 {
				break
			}
			dir := parent + strings.ToUpper(component) + "/"
			if _, ok := dirSlots[dir]; !ok {
				dirSlots[dir] = 2
			}
			parent = dir
		}
		clusters += chainClusters(e.Size, clusterBytes)
	}
	for _, slots := range dirSlots {
		clusters += chainClusters(slots*DirEntrySize, clusterBytes)
	}
	return clusters
}

// chainClusters returns the cluster chain length for a byte size. Zero-byte
// files and empty tables still occupy one cluster.
func chainClusters(size, clusterBytes uint64) uint64 {
	if size == 0 {
		return 1
	}
	return (size + clusterBytes - 1) / clusterBytes
}

// entrySlots returns the number of 32-byte directory slots reserved for one
// child name: the short entry plus enough long-name entries for the UTF-16
// form. This deliberately rounds up for names that turn out not to need a
// long entry at all.
func entrySlots(name string) uint64 {
	units := uint64(len(utf16.Encode([]rune(name))))
	return 1 + (units+lfnChars-1)/lfnChars
}
