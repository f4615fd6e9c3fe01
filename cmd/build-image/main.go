// build-image constructs a bootable raw disk image: a GPT-partitioned disk
// carrying a single EFI system partition populated from DEST->SRC mappings.
// The resulting file can be attached to a virtual machine as a raw block
// device (-drive format=raw,file=...) or written to physical media.
package main

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/spf13/afero"
	"github.com/spf13/pflag"
	"golang.org/x/crypto/blake2b"

	"github.com/StageGuard/miniature/fat"
	"github.com/StageGuard/miniature/gpt"
	"github.com/StageGuard/miniature/humanize"
	"github.com/StageGuard/miniature/imageflag"
	"github.com/StageGuard/miniature/img"
	"github.com/StageGuard/miniature/mapping"
	"github.com/StageGuard/miniature/plan"
)

// Without arguments the tool builds the default OS image out of the
// bootloader and kernel build outputs.
const (
	defaultMappings = "EFI/BOOT/BOOTX64.EFI->target/x86_64-unknown-uefi/debug/bootloader.efi;" +
		"kernel-x86_64->target/x86_64-unknown-none/debug/kernel"
	defaultOutput = "target/os.img"
)

// Exit codes distinguish input errors the caller must fix from failures of
// the build itself.
const (
	exitInputError      = 1
	exitProcessingError = 2
)

func main() {
	pflag.Usage = usage
	imageflag.RegisterPflags(pflag.CommandLine)
	pflag.Parse()

	args := pflag.Args()
	if len(args) == 0 {
		args = []string{defaultMappings, defaultOutput}
	}

	if err := buildImage(args, afero.NewOsFs()); err != nil {
		log.Print(err)
		if errors.Is(err, mapping.ErrMalformed) ||
			errors.Is(err, mapping.ErrSourceNotFound) ||
			errors.Is(err, mapping.ErrDuplicateDest) {
			os.Exit(exitInputError)
		}
		os.Exit(exitProcessingError)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s [flags] <mapping>... <output-image-path>\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "each <mapping> is DEST->SRC; one argument may bundle several mappings separated by ';'\n\n")
	pflag.PrintDefaults()
}

func buildImage(args []string, fsys afero.Fs) error {
	req, err := mapping.Parse(args, fsys)
	if err != nil {
		return err
	}

	p, err := plan.Compute(req.Entries)
	if err != nil {
		return err
	}

	modTime, err := imageflag.ModTime()
	if err != nil {
		return fmt.Errorf("%w: --timestamp: %v", mapping.ErrMalformed, err)
	}

	if imageflag.Verbose() {
		for i := range req.Entries {
			e := &req.Entries[i]
			log.Printf("copying %s to fs image: %s (%s)", e.Source, e.DestPath(), humanize.Bytes(e.Size))
		}
	}

	volume, err := fat.Build(p, req.Entries, fsys, fat.Config{
		Label:    imageflag.Label(),
		VolumeID: volumeID(imageflag.Seed()),
		ModTime:  modTime,
	})
	if err != nil {
		return err
	}

	guids := gpt.DeriveGUIDs(imageflag.Seed(), volume)
	table := gpt.NewTable(p, guids, "boot")
	image, err := img.Assemble(p, table, volume)
	if err != nil {
		return err
	}

	if imageflag.Verify() {
		if err := verifyImage(image, p, req, fsys); err != nil {
			return fmt.Errorf("verifying image: %v", err)
		}
	}

	if err := img.WriteFile(fsys, req.Output, image); err != nil {
		return err
	}
	log.Printf("%s: %s raw disk image, boot partition %s (%s)",
		req.Output, humanize.Bytes(uint64(len(image))),
		gpt.GUIDFromBytes(guids.Partition[:]), humanize.Bytes(p.PartitionBytes()))
	return nil
}

// volumeID derives the FAT volume serial number from the GUID seed.
func volumeID(seed string) uint32 {
	sum := blake2b.Sum256([]byte(seed))
	return binary.LittleEndian.Uint32(sum[:4])
}

// verifyImage re-reads the assembled image with the independent decoders and
// compares every placed file against its source.
func verifyImage(image []byte, p *plan.Plan, req *mapping.Request, fsys afero.Fs) error {
	ss := uint64(p.SectorSize)
	array := image[2*ss : 2*ss+gpt.NumEntries*gpt.EntrySize]
	if err := gpt.VerifyHeader(image[1*ss:2*ss], array); err != nil {
		return err
	}
	backupArray := image[(p.TotalImageSectors-plan.BackupGPTSectors)*ss : (p.TotalImageSectors-1)*ss]
	if err := gpt.VerifyHeader(image[(p.TotalImageSectors-1)*ss:], backupArray); err != nil {
		return err
	}

	parts, err := gpt.PartitionEntries(bytes.NewReader(image))
	if err != nil {
		return err
	}
	if len(parts) != 1 || parts[0].FirstLBA != p.PartitionStartLBA {
		return fmt.Errorf("unexpected partition layout: %+v", parts)
	}

	volume := io.NewSectionReader(bytes.NewReader(image),
		int64(p.PartitionStartLBA*ss), int64(p.PartitionBytes()))
	rd, err := fat.NewReader(volume)
	if err != nil {
		return err
	}
	for i := range req.Entries {
		e := &req.Entries[i]
		got, err := rd.ReadFile(e.DestPath())
		if err != nil {
			return err
		}
		want, err := afero.ReadFile(fsys, e.Source)
		if err != nil {
			return err
		}
		if !bytes.Equal(got, want) {
			return fmt.Errorf("%s differs from %s after round trip", e.DestPath(), e.Source)
		}
	}
	return nil
}
