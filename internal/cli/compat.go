package cli

import (
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// ClientAPIConstraint is the range of schedstat API versions this build
// understands.
const ClientAPIConstraint = "^1"

// CheckAPICompatible reports an error unless serverVersion satisfies
// constraint. An empty constraint accepts any valid version.
func CheckAPICompatible(serverVersion, constraint string) error {
	v, err := semver.NewVersion(serverVersion)
	if err != nil {
		return fmt.Errorf("server api version %q: %w", serverVersion, err)
	}
	if constraint == "" {
		constraint = ">=0.0.0"
	}
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return fmt.Errorf("api constraint %q: %w", constraint, err)
	}
	if ok, errs := c.Validate(v); !ok {
		if len(errs) > 0 {
			return fmt.Errorf("server api %s is not supported: %w", v, errs[0])
		}
		return fmt.Errorf("server api %s does not satisfy %s", v, constraint)
	}
	return nil
}
