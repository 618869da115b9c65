package cli

import "fmt"

// version holds the CLI version string. main sets it from -ldflags through
// SetVersion. Defaults to "dev" for local builds.
var version = "dev"

// SetVersion sets the version string if v is non-empty.
func SetVersion(v string) {
	if v != "" {
		version = v
	}
}

// Version returns the current CLI version string.
func Version() string { return version }

// VersionCmd prints the version.
type VersionCmd struct {
	app *app
}

func (c *VersionCmd) Execute(_ []string) error {
	_, err := fmt.Fprintln(c.app.stdout, Version())
	return err
}
