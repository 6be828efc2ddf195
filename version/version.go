package version

var (
	// CobaltSemVer is the current semantic version of the Cobalt node.
	CobaltSemVer = "0.4.0"

	// GitCommit is set by the build via -ldflags.
	GitCommit string
)

// Version returns the full version string.
func Version() string {
	v := CobaltSemVer
	if GitCommit != "" {
		v += "+" + GitCommit
	}
	return v
}
