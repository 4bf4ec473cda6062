package orchestrator

import "strings"

// SessionNameFor derives the canonical session name for a project from
// the configured prefix and the sanitized project name. Resume adoption
// and null session repair both match on this.
func SessionNameFor(prefix string, p *Project) string {
	name := sanitizeSessionName(p.Name)
	if name == "" {
		return prefix
	}
	return prefix + "-" + name
}

// MatchesSessionPrefix reports whether a live session name belongs to
// the project: either the canonical name exactly or the canonical name
// with a suffix (setup collaborators append window or attempt counters).
func MatchesSessionPrefix(prefix string, p *Project, session string) bool {
	canonical := SessionNameFor(prefix, p)
	return session == canonical || strings.HasPrefix(session, canonical+"-")
}

// sanitizeSessionName maps a project name onto the character set tmux
// session names tolerate.
func sanitizeSessionName(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return strings.Trim(b.String(), "-")
}
