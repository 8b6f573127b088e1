package ipa

import (
	"fmt"

	"howett.net/plist"
)

// ManifestContentType is what a device installer expects for the manifest.
const ManifestContentType = "application/x-plist"

type manifestAsset struct {
	Kind string `plist:"kind"`
	URL  string `plist:"url"`
}

type manifestMetadata struct {
	BundleIdentifier string `plist:"bundle-identifier"`
	BundleVersion    string `plist:"bundle-version"`
	Kind             string `plist:"kind"`
	Title            string `plist:"title"`
}

type manifestItem struct {
	Assets   []manifestAsset  `plist:"assets"`
	Metadata manifestMetadata `plist:"metadata"`
}

type manifest struct {
	Items []manifestItem `plist:"items"`
}

// InstallManifest renders the installer manifest for one build: a single
// software-package asset pointing at packageURL, described by the extracted
// bundle metadata. The output is an XML property list with a trailing
// newline.
func InstallManifest(info BundleInfo, packageURL string) ([]byte, error) {
	m := manifest{Items: []manifestItem{{
		Assets: []manifestAsset{{
			Kind: "software-package",
			URL:  packageURL,
		}},
		Metadata: manifestMetadata{
			BundleIdentifier: info.BundleIdentifier,
			BundleVersion:    info.ShortVersionString,
			Kind:             "software",
			Title:            info.Name,
		},
	}}}
	data, err := plist.MarshalIndent(m, plist.XMLFormat, "\t")
	if err != nil {
		return nil, fmt.Errorf("ipa: marshal manifest: %w", err)
	}
	return append(data, '\n'), nil
}
