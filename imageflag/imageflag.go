// Package imageflag defines the build-image command line flags. Defaults can
// come from the environment so build systems can configure the tool without
// changing its invocation.
package imageflag

import (
	"os"
	"time"

	"github.com/spf13/pflag"
)

var (
	label = func() string {
		def := os.Getenv("MINIATURE_VOLUME_LABEL")
		if def == "" {
			def = "MINIATURE"
		}
		return def
	}()

	seed = func() string {
		def := os.Getenv("MINIATURE_GUID_SEED")
		if def == "" {
			def = "miniature"
		}
		return def
	}()

	// timestamp defaults to the FAT epoch so that rebuilding from identical
	// inputs produces a byte-identical image.
	timestamp = func() string {
		def := os.Getenv("MINIATURE_BUILD_TIMESTAMP")
		if def == "" {
			def = "1980-01-01T00:00:00Z"
		}
		return def
	}()

	verify  bool
	verbose bool
)

func RegisterPflags(fs *pflag.FlagSet) {
	fs.StringVar(&label,
		"label",
		label,
		`volume label of the boot file system (at most 11 characters)`)

	fs.StringVar(&seed,
		"seed",
		seed,
		`seed mixed into the derived disk and partition GUIDs`)

	fs.StringVar(&timestamp,
		"timestamp",
		timestamp,
		`RFC 3339 time stamped on all directory entries`)

	fs.BoolVar(&verify,
		"verify",
		false,
		`re-read the emitted image and compare it against the sources before exiting`)

	fs.BoolVarP(&verbose,
		"verbose",
		"v",
		false,
		`log each file as it is placed into the image`)
}

func Label() string { return label }

func Seed() string { return seed }

// ModTime parses the configured timestamp.
func ModTime() (time.Time, error) {
	return time.Parse(time.RFC3339, timestamp)
}

func Verify() bool { return verify }

func Verbose() bool { return verbose }

func SetLabel(l string) { label = l }

func SetSeed(s string) { seed = s }
