package types

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Capability is a tag describing something an image supports, used for
// workflow compatibility checks. Capabilities are compared case-insensitively.
type Capability string

// OS family capabilities detected from memory images.
const (
	CapabilityWindows Capability = "windows"
	CapabilityLinux   Capability = "linux"
	CapabilityMac     Capability = "mac"
)

// Fold returns the capability in its canonical lower-case form.
func (c Capability) Fold() Capability {
	return Capability(strings.ToLower(string(c)))
}

// ImageRef identifies a memory image by path and content fingerprint.
// The fingerprint binds cached results to the exact image bytes, so a
// replaced file at the same path can never be served stale results.
type ImageRef struct {
	Path         string       `json:"path"`
	Fingerprint  string       `json:"fingerprint"`
	SizeBytes    int64        `json:"size_bytes"`
	Capabilities []Capability `json:"capabilities,omitempty"`
}

// fingerprintSampleSize bounds how much of the image is hashed. Memory
// images run to tens of gigabytes; hashing the leading window plus the
// file size is enough to distinguish images without a full read.
const fingerprintSampleSize = 64 * 1024 * 1024

// NewImageRef stats and fingerprints the image at path. Capabilities are
// taken from caps when provided, otherwise inferred from the file name.
func NewImageRef(path string, caps ...Capability) (ImageRef, error) {
	info, err := os.Stat(path)
	if err != nil {
		return ImageRef{}, WrapError(IMAGE_NOT_FOUND, fmt.Sprintf("cannot stat image %s", path), err)
	}
	if info.IsDir() {
		return ImageRef{}, NewError(IMAGE_NOT_FOUND, fmt.Sprintf("image path %s is a directory", path))
	}

	fp, err := fingerprintFile(path, info.Size())
	if err != nil {
		return ImageRef{}, WrapError(IMAGE_NOT_FOUND, fmt.Sprintf("cannot fingerprint image %s", path), err)
	}

	if len(caps) == 0 {
		caps = inferCapabilities(path)
	} else {
		folded := make([]Capability, len(caps))
		for i, c := range caps {
			folded[i] = c.Fold()
		}
		caps = folded
	}

	return ImageRef{
		Path:         path,
		Fingerprint:  fp,
		SizeBytes:    info.Size(),
		Capabilities: caps,
	}, nil
}

// HasCapability reports whether the image advertises the given capability.
func (r ImageRef) HasCapability(cap Capability) bool {
	for _, c := range r.Capabilities {
		if strings.EqualFold(string(c), string(cap)) {
			return true
		}
	}
	return false
}

// Validate checks that the reference carries a path and fingerprint.
func (r ImageRef) Validate() error {
	if r.Path == "" {
		return NewError(IMAGE_NOT_FOUND, "image path is empty")
	}
	if r.Fingerprint == "" {
		return NewError(IMAGE_NOT_FOUND, "image fingerprint is empty")
	}
	return nil
}

// fingerprintFile hashes up to fingerprintSampleSize leading bytes together
// with the file size.
func fingerprintFile(path string, size int64) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	fmt.Fprintf(h, "size:%d\n", size)
	if _, err := io.CopyN(h, f, fingerprintSampleSize); err != nil && err != io.EOF {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// inferCapabilities guesses the OS family from the image file name.
// Callers that know the target OS should pass capabilities explicitly.
func inferCapabilities(path string) []Capability {
	name := strings.ToLower(filepath.Base(path))
	switch {
	case strings.Contains(name, "linux"):
		return []Capability{CapabilityLinux}
	case strings.Contains(name, "mac") || strings.Contains(name, "osx") || strings.Contains(name, "darwin"):
		return []Capability{CapabilityMac}
	default:
		// Windows images dominate the corpus and most plugins target them.
		return []Capability{CapabilityWindows}
	}
}
