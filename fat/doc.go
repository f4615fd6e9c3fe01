// Package fat builds FAT32 file system volumes in memory, for use as the
// EFI system partition of a bootable disk image. Arbitrary file names are
// supported through VFAT long-name entries; a generated 8.3 alias with a
// numeric tail keeps short names unique within each directory.
//
// The builder produces the complete volume as one byte slice sized by a
// plan.Plan. A read side (NewReader) decodes such volumes independently of
// the writer and is used for verification.
package fat
