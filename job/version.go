// Copyright 2026 The Spalloc Authors
// SPDX-License-Identifier: Apache-2.0

package job

import (
	"fmt"
	"strconv"
	"strings"
)

// The closed-open range of server versions this client speaks.
var (
	versionRangeStart = [3]int{0, 0, 2}
	versionRangeStop  = [3]int{2, 0, 0}
)

// parseVersion reads up to three numeric components from a
// dotted-decimal version string. Missing components are zero.
func parseVersion(s string) ([3]int, error) {
	var v [3]int
	parts := strings.Split(s, ".")
	if len(parts) > 3 {
		parts = parts[:3]
	}
	for i, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil {
			return v, fmt.Errorf("bad version component %q in %q", part, s)
		}
		v[i] = n
	}
	return v, nil
}

// versionLess compares two versions component-wise.
func versionLess(a, b [3]int) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// versionCompatible reports whether v lies in the supported
// closed-open range.
func versionCompatible(v [3]int) bool {
	return !versionLess(v, versionRangeStart) && versionLess(v, versionRangeStop)
}
