package ocpi

import (
	"strconv"
	"strings"
)

// SupportedVersions lists the versions this hub speaks, highest first.
var SupportedVersions = []string{Version221, Version22, Version211}

// CompareVersions compares dotted version identifiers numerically. Missing
// components count as zero, so "2.2" equals "2.2.0". Non-numeric components
// compare lexically.
func CompareVersions(a, b string) int {
	pa := strings.Split(strings.TrimSpace(a), ".")
	pb := strings.Split(strings.TrimSpace(b), ".")
	n := max(len(pa), len(pb))
	for i := 0; i < n; i++ {
		var sa, sb string
		if i < len(pa) {
			sa = pa[i]
		}
		if i < len(pb) {
			sb = pb[i]
		}
		if c := compareComponent(sa, sb); c != 0 {
			return c
		}
	}
	return 0
}

func compareComponent(a, b string) int {
	ia, errA := strconv.Atoi(orZero(a))
	ib, errB := strconv.Atoi(orZero(b))
	if errA == nil && errB == nil {
		switch {
		case ia < ib:
			return -1
		case ia > ib:
			return 1
		}
		return 0
	}
	return strings.Compare(a, b)
}

func orZero(s string) string {
	if s == "" {
		return "0"
	}
	return s
}

// SelectHighest picks the highest version from offered that is also in
// supported. The second result is false when there is no overlap.
func SelectHighest(supported []string, offered []Version) (Version, bool) {
	var best Version
	found := false
	for _, v := range offered {
		if !containsVersion(supported, v.Version) {
			continue
		}
		if !found || CompareVersions(v.Version, best.Version) > 0 {
			best = v
			found = true
		}
	}
	return best, found
}

func containsVersion(list []string, v string) bool {
	for _, s := range list {
		if CompareVersions(s, v) == 0 {
			return true
		}
	}
	return false
}
