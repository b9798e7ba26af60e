package safety

import "regexp"

// secretPatterns are the credential-shaped substrings the context collector
// redacts before context ever reaches a backend, and that the "diagnose"
// sub-command scans files for.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(api_key|apikey|api-key|access_key|secret_key|auth_token|bearer_token|client_secret|private_key|token|secret)\s*(=|:)\s*['"]?[a-zA-Z0-9_.\-=/+]{20,128}['"]?`),
	regexp.MustCompile(`(?i)(password|passwd|pass|pwd|passphrase)\s*(=|:)\s*['"]?[a-zA-Z0-9_.\-=/+!@#$%^&*()]{10,64}['"]?`),
	regexp.MustCompile(`(?i)BEGIN (RSA|DSA|EC|OPENSSH) PRIVATE KEY`),
	regexp.MustCompile(`(AKIA|AROA|AIDA|ASIA)[0-9A-Z]{16}`),
	regexp.MustCompile(`eyJ[A-Za-z0-9-_=]+\.[A-Za-z0-9-_=]+\.[A-Za-z0-9-_.+/=]*`),
	regexp.MustCompile(`(ghp_[a-zA-Z0-9]{36}|github_pat_[a-zA-Z0-9_]{80})`),
	regexp.MustCompile(`glpat-[a-zA-Z0-9\-_]{20,}`),
	regexp.MustCompile(`(xoxb|xapp)-[0-9]{10,15}-[0-9]{10,15}-[a-zA-Z0-9]{10,}`),
}

// RedactSecrets replaces any credential-shaped substring in s with "[REDACTED]".
func RedactSecrets(s string) string {
	for _, re := range secretPatterns {
		s = re.ReplaceAllString(s, "[REDACTED]")
	}
	return s
}

// FindSecrets returns the names of secret categories that matched content,
// used by the "diagnose" sub-command.
func FindSecrets(content string) []string {
	var found []string
	labels := []string{"api-key-or-token", "password", "ssh-private-key", "aws-access-key", "jwt", "github-pat", "gitlab-pat", "slack-token"}
	for i, re := range secretPatterns {
		if re.MatchString(content) {
			found = append(found, labels[i])
		}
	}
	return found
}
