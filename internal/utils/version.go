// services/controlplane/internal/utils/version.go
package utils

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var versionPattern = regexp.MustCompile(`^v?(\d+)\.(\d+)\.(\d+)(-[a-zA-Z0-9\-\.]+)?(\+[a-zA-Z0-9\-\.]+)?$`)

// ValidateVersion validates semantic version format (e.g., 1.2.3).
func ValidateVersion(version string) error {
	if !versionPattern.MatchString(version) {
		return fmt.Errorf("invalid version format: %s", version)
	}
	return nil
}

// CompareVersions compares two semantic versions numerically.
// Returns: -1 if v1 < v2, 0 if v1 == v2, 1 if v1 > v2.
func CompareVersions(v1, v2 string) int {
	v1 = strings.TrimPrefix(v1, "v")
	v2 = strings.TrimPrefix(v2, "v")

	parts1 := strings.Split(v1, ".")
	parts2 := strings.Split(v2, ".")

	// Compare major, minor, patch; pre-release tags are ignored.
	for i := 0; i < 3; i++ {
		var num1, num2 int

		if i < len(parts1) {
			num1, _ = strconv.Atoi(strings.Split(parts1[i], "-")[0])
		}
		if i < len(parts2) {
			num2, _ = strconv.Atoi(strings.Split(parts2[i], "-")[0])
		}

		if num1 < num2 {
			return -1
		}
		if num1 > num2 {
			return 1
		}
	}

	return 0
}
