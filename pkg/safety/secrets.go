package safety

import (
	"regexp"

	"golang.org/x/text/unicode/norm"
)

type secretPattern struct {
	name string
	re   *regexp.Regexp
}

var secretPatterns = []secretPattern{
	{"GITHUB_TOKEN", regexp.MustCompile(`gh[pousr]_[A-Za-z0-9]{36,}`)},
	{"GITHUB_PAT", regexp.MustCompile(`github_pat_[A-Za-z0-9_]{22,}`)},
	{"AWS_ACCESS_KEY", regexp.MustCompile(`(A3T[A-Z0-9]|AKIA|ASIA)[A-Z0-9]{16}`)},
	{"PRIVATE_KEY", regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----`)},
	{"JWT", regexp.MustCompile(`eyJ[A-Za-z0-9_-]+\.eyJ[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+`)},
	{"API_SECRET_KEY", regexp.MustCompile(`sk-(?:proj-|ant-)?[A-Za-z0-9_-]{16,}`)},
	{"SLACK_TOKEN", regexp.MustCompile(`xox[abprs]-[A-Za-z0-9-]{10,}`)},
	{"PASSWORD", regexp.MustCompile(`(?i)passw(?:or)?d\s*[=:]\s*["']?[^\s"']{8,}`)},
	{"SECRET", regexp.MustCompile(`(?i)secret\s*[=:]\s*["']?[^\s"']{8,}`)},
	{"API_KEY", regexp.MustCompile(`(?i)api[_-]?key\s*[=:]\s*["']?[A-Za-z0-9_\-]{20,}`)},
}

// DetectSecrets returns the names of every secret pattern found in text.
// Text is NFKC-normalized first so full-width and compatibility characters
// cannot disguise a match.
func DetectSecrets(text string) []string {
	normalized := norm.NFKC.String(text)
	var found []string
	for _, p := range secretPatterns {
		if p.re.MatchString(normalized) {
			found = append(found, p.name)
		}
	}
	return found
}
