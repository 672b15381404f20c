// Package version carries build-time version information.
package version

// Version is the Parchmint release version, overridden at build time via
// -ldflags "-X github.com/parchmint/parchmint/internal/version.Version=...".
var Version = "dev"
