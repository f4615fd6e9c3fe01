// Package img lays the partition table regions and the FAT volume out into
// one contiguous raw disk image and writes it to disk atomically.
package img

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/StageGuard/miniature/gpt"
	"github.com/StageGuard/miniature/mbr"
	"github.com/StageGuard/miniature/plan"
)

// Assemble concatenates, at their planned offsets: protective MBR, primary
// GPT header, primary entry array, the FAT volume, backup entry array and
// backup GPT header. Both header checksums are re-verified before the image
// is handed back; a mismatch means a builder bug and aborts the run instead
// of emitting a silently corrupt image.
func Assemble(p *plan.Plan, table *gpt.Table, volume []byte) ([]byte, error) {
	if uint64(len(volume)) != p.PartitionBytes() {
		return nil, fmt.Errorf("img: internal: volume is %d bytes, plan expects %d",
			len(volume), p.PartitionBytes())
	}

	primary := table.PrimaryHeader()
	backup := table.BackupHeader()
	array := table.EntryArray()
	if err := gpt.VerifyHeader(primary, array); err != nil {
		return nil, fmt.Errorf("img: internal: primary header: %v", err)
	}
	if err := gpt.VerifyHeader(backup, array); err != nil {
		return nil, fmt.Errorf("img: internal: backup header: %v", err)
	}

	ss := uint64(p.SectorSize)
	image := make([]byte, p.TotalImageBytes())
	protective := mbr.Protective(p.TotalImageSectors)
	copy(image[0:], protective[:])
	copy(image[1*ss:], primary)
	copy(image[2*ss:], array)
	copy(image[p.PartitionStartLBA*ss:], volume)
	copy(image[(p.TotalImageSectors-plan.BackupGPTSectors)*ss:], array)
	copy(image[(p.TotalImageSectors-1)*ss:], backup)
	return image, nil
}

// WriteFile writes the image through a temporary file in the destination
// directory and renames it into place, so an interrupted run never leaves a
// partial image at path.
func WriteFile(fsys afero.Fs, path string, image []byte) error {
	tmp, err := afero.TempFile(fsys, filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("img: creating temporary file for %s: %v", path, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(image); err != nil {
		tmp.Close()
		fsys.Remove(tmpName)
		return fmt.Errorf("img: writing %s: %v", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		fsys.Remove(tmpName)
		return fmt.Errorf("img: closing %s: %v", tmpName, err)
	}
	if err := fsys.Rename(tmpName, path); err != nil {
		fsys.Remove(tmpName)
		return fmt.Errorf("img: renaming into %s: %v", path, err)
	}
	return nil
}
