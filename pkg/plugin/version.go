package plugin

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// versionPattern matches strict MAJOR.MINOR.PATCH versions.
var versionPattern = regexp.MustCompile(`^(\d+)\.(\d+)\.(\d+)$`)

// Version is a parsed MAJOR.MINOR.PATCH plugin version.
type Version struct {
	Major int
	Minor int
	Patch int
}

// ParseVersion parses a strict MAJOR.MINOR.PATCH string. Anything else
// (prerelease suffixes, build metadata, missing components) is rejected.
func ParseVersion(s string) (Version, error) {
	m := versionPattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return Version{}, fmt.Errorf("%w: %q", ErrBadVersion, s)
	}
	major, _ := strconv.Atoi(m[1])
	minor, _ := strconv.Atoi(m[2])
	patch, _ := strconv.Atoi(m[3])
	return Version{Major: major, Minor: minor, Patch: patch}, nil
}

// MustParseVersion is ParseVersion for literals known to be valid.
// It panics on error.
func MustParseVersion(s string) Version {
	v, err := ParseVersion(s)
	if err != nil {
		panic(err)
	}
	return v
}

// Compare returns -1 if v < o, 0 if equal, +1 if v > o.
func (v Version) Compare(o Version) int {
	if v.Major != o.Major {
		return cmpInt(v.Major, o.Major)
	}
	if v.Minor != o.Minor {
		return cmpInt(v.Minor, o.Minor)
	}
	return cmpInt(v.Patch, o.Patch)
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
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

// Constraint is a parsed version-range spec. Supported forms:
//
//	1.2.3              exact
//	==1.2.3, !=1.2.3   equality / exclusion
//	>=1.2.3, >1.2.3    lower bounds
//	<=1.2.3, <1.2.3    upper bounds
//	^1.2.3             same major, at least 1.2.3
//	~1.2.3             same major.minor, at least 1.2.3
//	*, 1.x, 1.2.x      wildcards
//
// Comma-separated terms are a conjunction: ">=1.0.0, <2.0.0".
type Constraint struct {
	raw   string
	terms []constraintTerm
}

type constraintTerm struct {
	op       string // "", "==", "!=", ">=", ">", "<=", "<", "^", "~"
	version  Version
	wildcard int // 0 none, 1 "*", 2 "N.x", 3 "N.M.x"
}

// ParseConstraint parses a version-range spec string.
func ParseConstraint(spec string) (*Constraint, error) {
	raw := strings.TrimSpace(spec)
	if raw == "" {
		return nil, fmt.Errorf("%w: empty spec", ErrBadConstraint)
	}
	c := &Constraint{raw: raw}
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			return nil, fmt.Errorf("%w: empty term in %q", ErrBadConstraint, raw)
		}
		term, err := parseTerm(part)
		if err != nil {
			return nil, err
		}
		c.terms = append(c.terms, term)
	}
	return c, nil
}

func parseTerm(s string) (constraintTerm, error) {
	if s == "*" {
		return constraintTerm{wildcard: 1}, nil
	}
	for _, op := range []string{">=", "<=", "==", "!=", ">", "<", "^", "~"} {
		if strings.HasPrefix(s, op) {
			v, err := ParseVersion(strings.TrimSpace(s[len(op):]))
			if err != nil {
				return constraintTerm{}, fmt.Errorf("%w: %q", ErrBadConstraint, s)
			}
			return constraintTerm{op: op, version: v}, nil
		}
	}
	if strings.HasSuffix(s, ".x") || strings.HasSuffix(s, ".X") {
		fields := strings.Split(s[:len(s)-2], ".")
		nums := make([]int, 0, 2)
		for _, f := range fields {
			n, err := strconv.Atoi(f)
			if err != nil || n < 0 {
				return constraintTerm{}, fmt.Errorf("%w: %q", ErrBadConstraint, s)
			}
			nums = append(nums, n)
		}
		switch len(nums) {
		case 1:
			return constraintTerm{version: Version{Major: nums[0]}, wildcard: 2}, nil
		case 2:
			return constraintTerm{version: Version{Major: nums[0], Minor: nums[1]}, wildcard: 3}, nil
		}
		return constraintTerm{}, fmt.Errorf("%w: %q", ErrBadConstraint, s)
	}
	v, err := ParseVersion(s)
	if err != nil {
		return constraintTerm{}, fmt.Errorf("%w: %q", ErrBadConstraint, s)
	}
	return constraintTerm{version: v}, nil
}

// Check reports whether v satisfies every term of the constraint.
func (c *Constraint) Check(v Version) bool {
	for _, t := range c.terms {
		if !t.match(v) {
			return false
		}
	}
	return true
}

// CheckString parses s and checks it against the constraint.
func (c *Constraint) CheckString(s string) (bool, error) {
	v, err := ParseVersion(s)
	if err != nil {
		return false, err
	}
	return c.Check(v), nil
}

func (c *Constraint) String() string { return c.raw }

func (t constraintTerm) match(v Version) bool {
	switch t.wildcard {
	case 1:
		return true
	case 2:
		return v.Major == t.version.Major
	case 3:
		return v.Major == t.version.Major && v.Minor == t.version.Minor
	}
	cmp := v.Compare(t.version)
	switch t.op {
	case "", "==":
		return cmp == 0
	case "!=":
		return cmp != 0
	case ">=":
		return cmp >= 0
	case ">":
		return cmp > 0
	case "<=":
		return cmp <= 0
	case "<":
		return cmp < 0
	case "^":
		return v.Major == t.version.Major && cmp >= 0
	case "~":
		return v.Major == t.version.Major && v.Minor == t.version.Minor && cmp >= 0
	}
	return false
}
