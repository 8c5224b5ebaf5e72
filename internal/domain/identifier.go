package domain

import "strings"

const (
	// identifierMaxLen keeps derived hosts inside a single DNS label once
	// the api- prefix lands on the backend host.
	identifierMaxLen = 48

	fallbackBranchToken = "branch"

	prPrefix     = "pr-"
	branchPrefix = "br-"
	refsHeads    = "refs/heads/"
)

// StripRefsHeads removes a leading refs/heads/ from a git ref. Plain branch
// names pass through unchanged.
func StripRefsHeads(ref string) string {
	return strings.TrimPrefix(ref, refsHeads)
}

// DeriveIdentifier maps a branch and optional pull request number to the
// stable preview identifier. PR-triggered previews are keyed by number so
// pushes and branch renames land on the same preview; branch-triggered
// previews use a DNS-safe slug of the branch name.
func DeriveIdentifier(branch, prID string) string {
	if id := strings.TrimSpace(prID); id != "" {
		return truncateIdentifier(prPrefix + id)
	}
	return truncateIdentifier(branchPrefix + SanitizeBranch(branch))
}

// SanitizeBranch lowers a branch name into a DNS-safe slug. Runs of
// characters outside [a-z0-9] collapse to a single hyphen, leading and
// trailing hyphens are dropped, and an empty result falls back to "branch"
// so the identifier never degenerates to a bare prefix.
func SanitizeBranch(branch string) string {
	branch = strings.ToLower(StripRefsHeads(branch))

	var b strings.Builder
	b.Grow(len(branch))
	hyphen := false
	for _, r := range branch {
		alnum := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
		switch {
		case alnum:
			b.WriteRune(r)
			hyphen = false
		case !hyphen:
			b.WriteByte('-')
			hyphen = true
		}
	}

	out := strings.Trim(b.String(), "-")
	if out == "" {
		return fallbackBranchToken
	}
	return out
}

func truncateIdentifier(s string) string {
	if len(s) > identifierMaxLen {
		s = s[:identifierMaxLen]
	}
	return strings.TrimRight(s, "-")
}

// Domains returns the frontend and backend hosts for an identifier under
// the configured base domain.
func Domains(identifier, baseDomain string) (frontend, backend string) {
	frontend = identifier + "." + baseDomain
	backend = "api-" + identifier + "." + baseDomain
	return frontend, backend
}
