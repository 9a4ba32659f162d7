// Package version reports the tdsio release.
//
// version.txt is embedded at compile time; release builds overwrite it.
package version

import (
	_ "embed"
	"strings"
)

//go:embed version.txt
var versionFile string

// Version is the release string, e.g. "0.1.0".
var Version = strings.TrimSpace(versionFile)

// String returns the version string.
func String() string {
	return Version
}

// Full returns the version prefixed with the module name.
func Full() string {
	return "tdsio version " + Version
}

// ClientProgName is the program name announced by tools built on tdsio.
func ClientProgName() string {
	return "tdsio/" + Version
}
