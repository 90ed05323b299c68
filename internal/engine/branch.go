package engine

import (
	"strings"
	"time"
)

const branchNameMaxLen = 40

// SanitizeBranchName turns an arbitrary loop name into a branch-safe slug:
// lower-case, [a-z0-9-] only, hyphen runs collapsed, no leading or trailing
// hyphen, at most 40 characters. An empty result becomes "unnamed".
func SanitizeBranchName(name string) string {
	var b strings.Builder
	lastHyphen := false
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastHyphen = false
		default:
			if !lastHyphen {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
	}

	s := strings.Trim(b.String(), "-")
	if len(s) > branchNameMaxLen {
		s = strings.TrimRight(s[:branchNameMaxLen], "-")
	}
	if s == "" {
		return "unnamed"
	}
	return s
}

// GenerateBranchName builds the working-branch name for a loop started at the
// given time: <prefix><slug>-<YYYY-MM-DD-HH-MM-SS>.
func GenerateBranchName(prefix, name string, startedAt time.Time) string {
	return prefix + SanitizeBranchName(name) + "-" + startedAt.UTC().Format("2006-01-02-15-04-05")
}
