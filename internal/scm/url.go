package scm

import (
	"strings"
)

// Requirements lists the credentials a remote transport needs before it
// can be contacted.
type Requirements struct {
	Username bool
	Password bool
}

type transportKind int

const (
	transportLocal transportKind = iota
	transportAnonymous
	transportSSH
	transportHTTP
)

// RequirementsFor reports which credentials are needed to talk to rawURL.
// Local paths and file:// need none, git:// is anonymous, SSH transports
// need a user but can authenticate with keys, and everything else needs
// both. An SSH URL that already names its user needs nothing more.
func RequirementsFor(rawURL string) Requirements {
	switch transportOf(rawURL) {
	case transportSSH:
		return Requirements{Username: userFromURL(rawURL) == ""}
	case transportHTTP:
		return Requirements{Username: true, Password: true}
	default:
		return Requirements{}
	}
}

func transportOf(rawURL string) transportKind {
	scheme, _, ok := strings.Cut(rawURL, "://")
	if !ok {
		if isSCPLike(rawURL) {
			return transportSSH
		}
		return transportLocal
	}

	switch strings.ToLower(scheme) {
	case "file":
		return transportLocal
	case "git":
		return transportAnonymous
	case "ssh", "git+ssh", "ssh+git", "svn+ssh":
		return transportSSH
	default:
		return transportHTTP
	}
}

// isSCPLike matches the scp-style "user@host:path" form used by git
func isSCPLike(rawURL string) bool {
	at := strings.Index(rawURL, "@")
	colon := strings.Index(rawURL, ":")
	slash := strings.Index(rawURL, "/")
	return at > 0 && colon > at && (slash == -1 || slash > colon)
}

// SubstituteURL replaces the user embedded in rawURL with username, as in
// ssh://someuser@host:29418/repo becoming ssh://<username>@host:29418/repo.
// A password embedded after the user is kept. URLs without a user part, and
// empty usernames, leave rawURL unchanged.
func SubstituteURL(rawURL, username string) string {
	if username == "" {
		return rawURL
	}

	prefix, rest := "", rawURL
	if scheme, after, ok := strings.Cut(rawURL, "://"); ok {
		prefix, rest = scheme+"://", after
	} else if !isSCPLike(rawURL) {
		return rawURL
	}

	authority := rest
	if i := strings.Index(rest, "/"); i >= 0 {
		authority = rest[:i]
	}
	at := strings.LastIndex(authority, "@")
	if at < 0 {
		return rawURL
	}

	userinfo := authority[:at]
	if _, password, ok := strings.Cut(userinfo, ":"); ok {
		return prefix + username + ":" + password + rest[at:]
	}
	return prefix + username + rest[at:]
}

// stripUser removes the user part from rawURL so two URLs that differ only
// in the account used to reach them compare equal.
func stripUser(rawURL string) string {
	prefix, rest := "", rawURL
	if scheme, after, ok := strings.Cut(rawURL, "://"); ok {
		prefix, rest = scheme+"://", after
	}

	authority := rest
	if i := strings.Index(rest, "/"); i >= 0 {
		authority = rest[:i]
	}
	if at := strings.LastIndex(authority, "@"); at >= 0 {
		rest = rest[at+1:]
	}
	return strings.TrimSuffix(prefix+rest, "/")
}

// sameRemote reports whether a and b address the same repository
func sameRemote(a, b string) bool {
	return stripUser(a) == stripUser(b)
}

// userFromURL returns the user embedded in rawURL, if any
func userFromURL(rawURL string) string {
	rest := rawURL
	if _, after, ok := strings.Cut(rawURL, "://"); ok {
		rest = after
	}
	if i := strings.Index(rest, "/"); i >= 0 {
		rest = rest[:i]
	}
	at := strings.LastIndex(rest, "@")
	if at < 0 {
		return ""
	}
	user, _, _ := strings.Cut(rest[:at], ":")
	return user
}

// Redact masks the password in rawURL's user part so the URL can be logged
// or shown in errors.
func Redact(rawURL string) string {
	prefix, rest := "", rawURL
	if scheme, after, ok := strings.Cut(rawURL, "://"); ok {
		prefix, rest = scheme+"://", after
	} else if !isSCPLike(rawURL) {
		return rawURL
	}

	authority := rest
	if i := strings.Index(rest, "/"); i >= 0 {
		authority = rest[:i]
	}
	at := strings.LastIndex(authority, "@")
	if at < 0 {
		return rawURL
	}
	user, _, ok := strings.Cut(authority[:at], ":")
	if !ok {
		return rawURL
	}
	return prefix + user + ":xxxxx" + rest[at:]
}
