package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCompareVersionsOrdersNumericallyThenPrerelease(t *testing.T) {
	cases := []struct {
		a, b string
		want int
	}{
		{"1.2.3", "1.2.3", 0},
		{"1.2.3", "1.2.4", -1},
		{"2.0.0", "1.9.9", 1},
		{"1.2.3", "1.10.0", -1},
		{"1.0.0-rc1", "1.0.0", -1},
		{"1.0.0", "1.0.0-rc1", 1},
		{"1.0.0-alpha", "1.0.0-beta", -1},
	}
	for _, c := range cases {
		assert.Equalf(t, c.want, CompareVersions(c.a, c.b), "%s vs %s", c.a, c.b)
	}
}

func TestCompareVersionsUnparsableSortsBelowValidSemver(t *testing.T) {
	assert.Equal(t, -1, CompareVersions("not-a-version", "1.0.0"))
	assert.Equal(t, 1, CompareVersions("1.0.0", "not-a-version"))
}

func TestCompareVersionsBothUnparsableComparesAlphabetically(t *testing.T) {
	assert.Equal(t, -1, CompareVersions("alpha", "beta"))
	assert.Equal(t, 0, CompareVersions("same", "same"))
}

func TestSortVersionsDescOrdersNewestFirst(t *testing.T) {
	versions := []string{"1.0.0", "2.1.0", "1.2.3", "2.0.0-rc1", "2.0.0"}
	SortVersionsDesc(versions)
	assert.Equal(t, []string{"2.1.0", "2.0.0", "2.0.0-rc1", "1.2.3", "1.0.0"}, versions)
}
