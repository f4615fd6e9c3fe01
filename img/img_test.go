package img

import (
	"bytes"
	"crypto/sha256"
	"io"
	"testing"

	"github.com/spf13/afero"

	"github.com/StageGuard/miniature/fat"
	"github.com/StageGuard/miniature/gpt"
	"github.com/StageGuard/miniature/mapping"
	"github.com/StageGuard/miniature/plan"
)

// assembleImage runs the whole pipeline the way the build command does:
// plan, FAT volume, GPT, assembly.
func assembleImage(t *testing.T, entries []mapping.FileEntry, fsys afero.Fs) ([]byte, *plan.Plan) {
	t.Helper()
	p, err := plan.Compute(entries)
	if err != nil {
		t.Fatal(err)
	}
	volume, err := fat.Build(p, entries, fsys, fat.Config{})
	if err != nil {
		t.Fatal(err)
	}
	guids := gpt.DeriveGUIDs("test", volume)
	image, err := Assemble(p, gpt.NewTable(p, guids, "boot"), volume)
	if err != nil {
		t.Fatal(err)
	}
	return image, p
}

func bootFs(t *testing.T) afero.Fs {
	t.Helper()
	fsys := afero.NewMemMapFs()
	for path, size := range map[string]int{
		"target/bootloader.efi": 900000,
		"target/kernel":         2500000,
	} {
		if err := afero.WriteFile(fsys, path, bytes.Repeat([]byte{0xAB}, size), 0644); err != nil {
			t.Fatal(err)
		}
	}
	return fsys
}

func bootEntries() []mapping.FileEntry {
	return []mapping.FileEntry{
		{Dest: []string{"EFI", "BOOT", "BOOTX64.EFI"}, Source: "target/bootloader.efi", Size: 900000},
		{Dest: []string{"kernel-x86_64"}, Source: "target/kernel", Size: 2500000},
	}
}

func TestAssemble(t *testing.T) {
	t.Parallel()

	image, p := assembleImage(t, bootEntries(), bootFs(t))

	if uint64(len(image)) != p.TotalImageBytes() {
		t.Fatalf("image is %d bytes, plan says %d", len(image), p.TotalImageBytes())
	}
	if len(image)%512 != 0 {
		t.Fatalf("image size %d is not a multiple of the sector size", len(image))
	}

	// Sector 0: protective MBR.
	if image[510] != 0x55 || image[511] != 0xAA {
		t.Error("missing MBR boot signature")
	}
	if image[446+4] != 0xEE {
		t.Errorf("MBR partition type = %#x, want 0xEE", image[446+4])
	}

	// Sector 1 and the last sector: verified GPT headers.
	array := image[2*512 : 2*512+gpt.NumEntries*gpt.EntrySize]
	if err := gpt.VerifyHeader(image[512:1024], array); err != nil {
		t.Errorf("primary header: %v", err)
	}
	last := (p.TotalImageSectors - 1) * 512
	if err := gpt.VerifyHeader(image[last:last+512], array); err != nil {
		t.Errorf("backup header: %v", err)
	}
	backupArray := image[(p.TotalImageSectors-plan.BackupGPTSectors)*512 : last]
	if !bytes.Equal(array, backupArray) {
		t.Error("backup entry array differs from the primary")
	}

	// The partition region holds a readable FAT volume with the mapped
	// files in place.
	parts, err := gpt.PartitionEntries(bytes.NewReader(image))
	if err != nil {
		t.Fatal(err)
	}
	if len(parts) != 1 {
		t.Fatalf("got %d partitions, want 1", len(parts))
	}
	section := io.NewSectionReader(bytes.NewReader(image),
		int64(parts[0].FirstLBA)*512, int64(parts[0].LastLBA-parts[0].FirstLBA+1)*512)
	r, err := fat.NewReader(section)
	if err != nil {
		t.Fatal(err)
	}
	for _, path := range []string{"/EFI/BOOT/BOOTX64.EFI", "/kernel-x86_64"} {
		data, err := r.ReadFile(path)
		if err != nil {
			t.Fatalf("%s: %v", path, err)
		}
		for _, b := range data {
			if b != 0xAB {
				t.Fatalf("%s: unexpected content byte %#x", path, b)
			}
		}
	}
}

func TestAssembleDeterministic(t *testing.T) {
	t.Parallel()

	a, _ := assembleImage(t, bootEntries(), bootFs(t))
	b, _ := assembleImage(t, bootEntries(), bootFs(t))
	if sha256.Sum256(a) != sha256.Sum256(b) {
		t.Fatal("two pipeline runs from identical inputs differ")
	}
}

func TestAssembleEmptyMappingList(t *testing.T) {
	t.Parallel()

	image, p := assembleImage(t, nil, afero.NewMemMapFs())
	if uint64(len(image)) != p.TotalImageBytes() {
		t.Fatalf("image is %d bytes, plan says %d", len(image), p.TotalImageBytes())
	}
	section := io.NewSectionReader(bytes.NewReader(image),
		int64(p.PartitionStartLBA)*512, int64(p.PartitionSectors)*512)
	r, err := fat.NewReader(section)
	if err != nil {
		t.Fatal(err)
	}
	entries, err := r.ReadDir("/")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("empty image lists %d root entries", len(entries))
	}
}

func TestAssembleRejectsWrongVolumeSize(t *testing.T) {
	t.Parallel()

	p, err := plan.Compute(nil)
	if err != nil {
		t.Fatal(err)
	}
	table := gpt.NewTable(p, gpt.DeriveGUIDs("test", nil), "boot")
	if _, err := Assemble(p, table, make([]byte, 512)); err == nil {
		t.Fatal("Assemble accepted a volume of the wrong size")
	}
}

func TestWriteFile(t *testing.T) {
	t.Parallel()

	fsys := afero.NewMemMapFs()
	image := bytes.Repeat([]byte{7}, 4096)
	if err := WriteFile(fsys, "target/os.img", image); err != nil {
		t.Fatal(err)
	}
	got, err := afero.ReadFile(fsys, "target/os.img")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, image) {
		t.Fatal("written image does not round-trip")
	}

	// No stray temporary files remain next to the output.
	infos, err := afero.ReadDir(fsys, "target")
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 1 {
		for _, fi := range infos {
			t.Logf("left behind: %s", fi.Name())
		}
		t.Fatalf("destination directory holds %d entries, want 1", len(infos))
	}
}

func TestWriteFileLeavesNoPartialOutput(t *testing.T) {
	t.Parallel()

	fsys := afero.NewReadOnlyFs(afero.NewMemMapFs())
	if err := WriteFile(fsys, "os.img", []byte{1}); err == nil {
		t.Fatal("WriteFile succeeded on a read-only file system")
	}
	if _, err := fsys.Stat("os.img"); err == nil {
		t.Fatal("a partial output file exists after the failure")
	}
}
