package version

// Build information (injected via ldflags - must NOT have default values)
var (
	Version   string
	GitSHA    string
	BuildDate string
)

// Hardcoded build marker - change this to verify correct firmware is flashed
const BuildMarker = "dualboot-001"

// String returns a one-line summary of the build.
func String() string {
	v := Version
	if v == "" {
		v = "dev"
	}
	if GitSHA != "" {
		v += " (" + GitSHA + ")"
	}
	if BuildDate != "" {
		v += " built " + BuildDate
	}
	return v + " " + BuildMarker
}
