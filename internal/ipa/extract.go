// Package ipa understands just enough of an iOS application archive to serve
// it over the air: it pulls the bundle's Info.plist out of a streamed ZIP and
// renders the installer manifest a device expects.
package ipa

import (
	"errors"
	"fmt"
	"io"
	"regexp"

	"github.com/krolaw/zipstream"
	"howett.net/plist"
)

// ErrNoPlist: the archive stream ended without a matching Info.plist entry.
var ErrNoPlist = errors.New("ipa: no plist found")

// One path segment ending in .app under the top-level Payload directory.
var infoPlistPath = regexp.MustCompile(`^Payload/[^/]+\.app/Info\.plist$`)

// Info.plist files are tiny; anything near this size is not one.
const maxPlistSize = 8 << 20

// BundleInfo carries the metadata the install manifest needs.
type BundleInfo struct {
	BundleIdentifier   string `plist:"CFBundleIdentifier"`
	ShortVersionString string `plist:"CFBundleShortVersionString"`
	Name               string `plist:"CFBundleName"`
}

// ExtractBundleInfo walks the archive's entries in arrival order and parses
// the first one matching Payload/*.app/Info.plist. Non-matching entries are
// skipped without buffering, and the walk stops as soon as the match has been
// read, leaving the remainder of the stream unconsumed. The caller retains
// ownership of r and must close the underlying stream itself.
func ExtractBundleInfo(r io.Reader) (BundleInfo, error) {
	zr := zipstream.NewReader(r)
	for {
		hdr, err := zr.Next()
		if errors.Is(err, io.EOF) {
			return BundleInfo{}, ErrNoPlist
		}
		if err != nil {
			return BundleInfo{}, fmt.Errorf("ipa: walk archive: %w", err)
		}
		if !infoPlistPath.MatchString(hdr.Name) {
			continue
		}
		data, err := io.ReadAll(io.LimitReader(zr, maxPlistSize))
		if err != nil {
			return BundleInfo{}, fmt.Errorf("ipa: read %s: %w", hdr.Name, err)
		}
		var info BundleInfo
		if _, err := plist.Unmarshal(data, &info); err != nil {
			return BundleInfo{}, fmt.Errorf("ipa: parse %s: %w", hdr.Name, err)
		}
		return info, nil
	}
}
