package fat

import (
	"fmt"
	"strings"
	"unicode/utf16"
)

// shortNameSpecials are the characters permitted in 8.3 names besides
// uppercase letters and digits.
const shortNameSpecials = "$%'-_@~`!(){}^#&"

// lfnChars is the number of UTF-16 units carried per long-name entry.
const lfnChars = 13

func shortNameByteOK(b byte) bool {
	return (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9') ||
		strings.IndexByte(shortNameSpecials, b) >= 0
}

// shortName returns the 11-byte directory entry form of name if name already
// is a valid 8.3 short name as supplied: uppercase, legacy charset, at most
// one dot, base of 1-8 and extension of 0-3 characters.
func shortName(name string) ([11]byte, bool) {
	var alias [11]byte
	for i := range alias {
		alias[i] = ' '
	}
	base, ext, hasDot := strings.Cut(name, ".")
	if len(base) == 0 || len(base) > 8 || len(ext) > 3 || (hasDot && ext == "") {
		return alias, false
	}
	if strings.Contains(ext, ".") {
		return alias, false
	}
	for i := 0; i < len(base); i++ {
		if !shortNameByteOK(base[i]) {
			return alias, false
		}
	}
	for i := 0; i < len(ext); i++ {
		if !shortNameByteOK(ext[i]) {
			return alias, false
		}
	}
	copy(alias[:8], base)
	copy(alias[8:], ext)
	return alias, true
}

// makeAlias derives an 8.3 alias for a name that needs a long entry. taken
// holds the aliases already used in the directory; a numeric tail (~1, ~2,
// ...) disambiguates until the alias is unique.
func makeAlias(name string, taken map[[11]byte]bool) ([11]byte, error) {
	base, ext := splitExt(name)
	lossyBase, base := sanitize(base)
	lossyExt, ext := sanitize(ext)
	if len(ext) > 3 {
		ext = ext[:3]
		lossyExt = true
	}
	if base == "" {
		base = "_"
	}

	compose := func(b string) [11]byte {
		var alias [11]byte
		for i := range alias {
			alias[i] = ' '
		}
		copy(alias[:8], b)
		copy(alias[8:], ext)
		return alias
	}

	if !lossyBase && !lossyExt && len(base) <= 8 {
		if alias := compose(base); !taken[alias] {
			return alias, nil
		}
	}
	for n := 1; n <= 999999; n++ {
		tail := fmt.Sprintf("~%d", n)
		head := base
		if len(head) > 8-len(tail) {
			head = head[:8-len(tail)]
		}
		if alias := compose(head + tail); !taken[alias] {
			return alias, nil
		}
	}
	var zero [11]byte
	return zero, fmt.Errorf("cannot derive a unique short alias for %q", name)
}

// splitExt separates the extension at the last dot. A leading dot is part of
// the base, matching how FAT treats names like .config.
func splitExt(name string) (base, ext string) {
	if i := strings.LastIndexByte(name, '.'); i > 0 {
		return name[:i], name[i+1:]
	}
	return name, ""
}

// sanitize uppercases s and replaces every character that is invalid in a
// short name with '_'. It reports whether any replacement or case change
// occurred.
func sanitize(s string) (lossy bool, out string) {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z':
			r -= 'a' - 'A'
			lossy = true
		case r < 128 && shortNameByteOK(byte(r)):
		default:
			r = '_'
			lossy = true
		}
		b.WriteByte(byte(r))
	}
	return lossy, b.String()
}

// aliasChecksum computes the long-name checksum over the 11 alias bytes.
// The identical routine runs on the read path so the two cannot drift.
func aliasChecksum(alias [11]byte) uint8 {
	var sum uint8
	for _, b := range alias {
		sum = (sum&1)<<7 + sum>>1 + b
	}
	return sum
}

// longNameEntries encodes name as VFAT long-name directory entries in
// on-disk order: descending sequence numbers, with the terminal-entry flag
// (0x40) on the first emitted entry. The short entry carrying sum must
// follow immediately.
func longNameEntries(name string, sum uint8) [][32]byte {
	units := utf16.Encode([]rune(name))
	count := (len(units) + lfnChars - 1) / lfnChars
	padded := make([]uint16, count*lfnChars)
	for i := range padded {
		padded[i] = 0xFFFF
	}
	copy(padded, units)
	if len(units) < len(padded) {
		// NUL terminator before the 0xFFFF fill; omitted when the name
		// exactly fills its entries.
		padded[len(units)] = 0
	}
	entries := make([][32]byte, 0, count)
	for seq := count; seq >= 1; seq-- {
		var e [32]byte
		e[0] = byte(seq)
		if seq == count {
			e[0] |= 0x40
		}
		e[11] = attrLongName
		e[13] = sum
		frag := padded[(seq-1)*lfnChars:]
		// UTF-16 units live at three discontiguous ranges of the entry.
		for i, off := range lfnUnitOffsets {
			e[off] = byte(frag[i])
			e[off+1] = byte(frag[i] >> 8)
		}
		entries = append(entries, e)
	}
	return entries
}

// lfnUnitOffsets are the byte offsets of the 13 UTF-16 units within one
// long-name entry.
var lfnUnitOffsets = [lfnChars]int{1, 3, 5, 7, 9, 14, 16, 18, 20, 22, 24, 28, 30}

// needsLongName reports whether name requires long-name entries in addition
// to its short alias.
func needsLongName(name string) bool {
	_, ok := shortName(name)
	return !ok
}

// entrySlots returns the number of 32-byte directory slots one child with
// this name occupies.
func entrySlots(name string) int {
	if !needsLongName(name) {
		return 1
	}
	units := len(utf16.Encode([]rune(name)))
	return 1 + (units+lfnChars-1)/lfnChars
}
