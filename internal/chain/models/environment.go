package models

import (
	"fmt"
	"strings"
)

// Environment selects the authority endpoint set. It is stored on every
// record so sandbox and production submissions are never mixed up.
type Environment string

const (
	EnvironmentSandbox    Environment = "sandbox"
	EnvironmentProduction Environment = "production"
)

func ParseEnvironment(s string) (Environment, error) {
	switch Environment(strings.ToLower(strings.TrimSpace(s))) {
	case EnvironmentSandbox:
		return EnvironmentSandbox, nil
	case EnvironmentProduction:
		return EnvironmentProduction, nil
	default:
		return "", fmt.Errorf("unknown environment %q", s)
	}
}

func (e Environment) String() string { return string(e) }
