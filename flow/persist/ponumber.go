package persist

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SuggestNumber picks the PO number to attempt first, given the numbers
// already taken for the merchant that share the base prefix.
//
// The candidate space is the base itself plus suffixes base-1 .. base-(max-1),
// where max is the insert attempt ceiling. The base wins when free; otherwise
// the numerically smallest unused suffix. When the whole space is taken the
// second return is false and the caller jumps straight to the epoch fallback.
func SuggestNumber(base string, existing []string, maxAttempts int) (string, bool) {
	taken := make(map[int]bool, len(existing))
	baseTaken := false
	for _, n := range existing {
		if n == base {
			baseTaken = true
			continue
		}
		if k, ok := suffixOf(n, base); ok {
			taken[k] = true
		}
	}
	if !baseTaken {
		return base, true
	}
	for k := 1; k < maxAttempts; k++ {
		if !taken[k] {
			return suffixNumber(base, k), true
		}
	}
	return "", false
}

// suffixOf parses "base-k" into k. Numbers that merely share the prefix
// without a pure numeric suffix ("PO-1001-rev2") are not suffix candidates.
func suffixOf(number, base string) (int, bool) {
	rest, ok := strings.CutPrefix(number, base+"-")
	if !ok {
		return 0, false
	}
	k, err := strconv.Atoi(rest)
	if err != nil || k < 1 {
		return 0, false
	}
	return k, true
}

func suffixNumber(base string, k int) string {
	return fmt.Sprintf("%s-%d", base, k)
}

// timestampNumber is the last-resort number when every suffix candidate is
// taken or raced away.
func timestampNumber(base string, now time.Time) string {
	return fmt.Sprintf("%s-%d", base, now.UnixMilli())
}
