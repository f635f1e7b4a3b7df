package version

import "fmt"

// Overridden at build time with -ldflags "-X ipwarden/internal/app/version.buildVersion=...".
var (
	buildVersion = "dev"
	builtAt      = "unknown"
)

type Info struct {
	BuildVersion string `json:"build_version"`
	BuiltAt      string `json:"built_at"`
}

func Get() Info {
	return Info{
		BuildVersion: buildVersion,
		BuiltAt:      builtAt,
	}
}

func (i Info) String() string {
	return fmt.Sprintf("%s (built %s)", i.BuildVersion, i.BuiltAt)
}
