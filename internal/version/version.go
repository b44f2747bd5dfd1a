package version

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Version is overridden at build time with
// -ldflags "-X licensegate.app/cloud/internal/version.Version=1.2.3".
var Version = "dev"

// Load reads the version from a VERSION file when the binary was built
// without one. A missing file is not an error.
func Load(path string) error {
	if Version != "dev" {
		return nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read version file: %w", err)
	}
	if v := strings.TrimSpace(string(raw)); v != "" {
		if _, err := ExtractMajorVersion(v); err != nil {
			return fmt.Errorf("invalid version %q: %w", v, err)
		}
		Version = v
	}
	return nil
}

func ExtractMajorVersion(version string) (int, error) {
	if version == "" {
		return 0, fmt.Errorf("empty version string")
	}

	major, _, _ := strings.Cut(strings.TrimPrefix(version, "v"), ".")
	n, err := strconv.Atoi(major)
	if err != nil {
		return 0, fmt.Errorf("invalid major version: %v", err)
	}

	if n < 0 {
		return 0, fmt.Errorf("major version cannot be negative")
	}

	return n, nil
}
