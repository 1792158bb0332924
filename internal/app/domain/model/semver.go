package model

import (
	"strconv"
	"strings"
)

// semver holds a parsed MAJOR.MINOR.PATCH[-PRERELEASE] version. Strings that
// fail to parse are represented with ok=false and sort below every valid
// semver (compared alphabetically among themselves), per P5.
type semver struct {
	major, minor, patch int
	prerelease          string
	ok                  bool
	raw                 string
}

func parseSemver(v string) semver {
	out := semver{raw: v}
	core := v
	if idx := strings.IndexByte(v, '-'); idx >= 0 {
		core = v[:idx]
		out.prerelease = v[idx+1:]
	}
	parts := strings.Split(core, ".")
	if len(parts) != 3 {
		return out
	}
	nums := make([]int, 3)
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return out
		}
		nums[i] = n
	}
	out.major, out.minor, out.patch = nums[0], nums[1], nums[2]
	out.ok = true
	return out
}

// CompareVersions orders two version strings the way versions_by_name must:
// numerics compared lexicographically (major, then minor, then patch), then
// pre-release tags compared lexicographically with the rule that an empty
// pre-release (a stable release) sorts greater than any non-empty one for an
// otherwise-equal numeric version. Unparseable strings sort below every valid
// semver and are compared alphabetically among themselves.
//
// Returns -1 if a < b, 0 if equal, 1 if a > b.
func CompareVersions(a, b string) int {
	pa, pb := parseSemver(a), parseSemver(b)
	switch {
	case pa.ok && !pb.ok:
		return 1
	case !pa.ok && pb.ok:
		return -1
	case !pa.ok && !pb.ok:
		return strings.Compare(pa.raw, pb.raw)
	}

	if c := compareInt(pa.major, pb.major); c != 0 {
		return c
	}
	if c := compareInt(pa.minor, pb.minor); c != 0 {
		return c
	}
	if c := compareInt(pa.patch, pb.patch); c != 0 {
		return c
	}

	switch {
	case pa.prerelease == "" && pb.prerelease == "":
		return 0
	case pa.prerelease == "":
		return 1
	case pb.prerelease == "":
		return -1
	default:
		return strings.Compare(pa.prerelease, pb.prerelease)
	}
}

func compareInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// SortVersionsDesc sorts version strings newest-first using CompareVersions.
func SortVersionsDesc(versions []string) {
	// Simple insertion sort: lists are small (per-name version counts), and
	// this keeps the comparator's semantics easy to audit without pulling in
	// sort.Slice's interface overhead for a handful of elements.
	for i := 1; i < len(versions); i++ {
		for j := i; j > 0 && CompareVersions(versions[j-1], versions[j]) < 0; j-- {
			versions[j-1], versions[j] = versions[j], versions[j-1]
		}
	}
}
