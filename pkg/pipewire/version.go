package pipewire

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ErrMalformedVersion is returned for a version string that is not of the form
// major.minor or major.minor.patch with decimal components
var ErrMalformedVersion = errors.New("pipewire: malformed server version")

// ParseVersion encodes a dotted "major.minor[.patch]" version string as
// major*10000 + minor*100 + patch, so that encoded versions compare in version order
// as long as minor and patch stay below 100.
func ParseVersion(s string) (int, error) {
	parts := strings.Split(s, ".")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("%w: %q", ErrMalformedVersion, s)
	}
	values := [3]int{}
	for i, p := range parts {
		if p == "" || strings.TrimLeft(p, "0123456789") != "" {
			return 0, fmt.Errorf("%w: %q", ErrMalformedVersion, s)
		}
		v, err := strconv.Atoi(p)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrMalformedVersion, s)
		}
		values[i] = v
	}
	// (major*100 + minor)*100 + patch, refusing anything that does not fit in an int
	code := values[0]
	for _, v := range values[1:] {
		if code > (math.MaxInt-v)/100 {
			return 0, fmt.Errorf("%w: %q is out of range", ErrMalformedVersion, s)
		}
		code = code*100 + v
	}
	return code, nil
}

// IsCompatible reports whether a server declaring serverVersion satisfies a client
// requesting requestedVersion
func IsCompatible(serverVersion string, requestedVersion string) (bool, error) {
	sv, err := ParseVersion(serverVersion)
	if err != nil {
		return false, err
	}
	rv, err := ParseVersion(requestedVersion)
	if err != nil {
		return false, err
	}
	return sv >= rv, nil
}
