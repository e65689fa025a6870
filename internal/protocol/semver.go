package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// version is a parsed semantic-version triple. A local implementation
// shaped like golang.org/x/mod/semver's comparison semantics: x/mod is not
// in the pack's dependency surface (no example repo imports it), so this
// is the second standard-library exception documented in DESIGN.md
// alongside the schema validator.
type version struct {
	major, minor, patch int
}

func parseVersion(s string) (version, error) {
	parts := strings.SplitN(s, ".", 3)
	if len(parts) != 3 {
		return version{}, fmt.Errorf("protocol: version %q is not a semantic-version triple", s)
	}
	nums := make([]int, 3)
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return version{}, fmt.Errorf("protocol: version %q is not a semantic-version triple", s)
		}
		nums[i] = n
	}
	return version{major: nums[0], minor: nums[1], patch: nums[2]}, nil
}

// compare returns -1, 0, or 1 as a is less than, equal to, or greater than b.
func (a version) compare(b version) int {
	switch {
	case a.major != b.major:
		return cmpInt(a.major, b.major)
	case a.minor != b.minor:
		return cmpInt(a.minor, b.minor)
	default:
		return cmpInt(a.patch, b.patch)
	}
}

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func (a version) String() string {
	return fmt.Sprintf("%d.%d.%d", a.major, a.minor, a.patch)
}

// rangeConstraint is a single ">=a" or "<b" bound in a version_range
// expression.
type rangeConstraint struct {
	op      string // ">=", "<=", ">", "<", "="
	version version
}

// parseRange parses the conventional ">=a,<b" grammar from spec §4.2.
func parseRange(expr string) ([]rangeConstraint, error) {
	if expr == "" {
		return nil, nil
	}
	var out []rangeConstraint
	for _, clause := range strings.Split(expr, ",") {
		clause = strings.TrimSpace(clause)
		if clause == "" {
			continue
		}
		var op string
		switch {
		case strings.HasPrefix(clause, ">="):
			op = ">="
		case strings.HasPrefix(clause, "<="):
			op = "<="
		case strings.HasPrefix(clause, ">"):
			op = ">"
		case strings.HasPrefix(clause, "<"):
			op = "<"
		case strings.HasPrefix(clause, "="):
			op = "="
		default:
			return nil, fmt.Errorf("protocol: invalid range clause %q", clause)
		}
		v, err := parseVersion(strings.TrimSpace(clause[len(op):]))
		if err != nil {
			return nil, err
		}
		out = append(out, rangeConstraint{op: op, version: v})
	}
	return out, nil
}

func matchesRange(v version, constraints []rangeConstraint) bool {
	for _, c := range constraints {
		cmp := v.compare(c.version)
		switch c.op {
		case ">=":
			if cmp < 0 {
				return false
			}
		case "<=":
			if cmp > 0 {
				return false
			}
		case ">":
			if cmp <= 0 {
				return false
			}
		case "<":
			if cmp >= 0 {
				return false
			}
		case "=":
			if cmp != 0 {
				return false
			}
		}
	}
	return true
}
