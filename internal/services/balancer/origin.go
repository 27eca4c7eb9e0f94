// Package balancer tracks live backend metrics and picks the backend to
// dispatch each job to.
package balancer

import (
	"net/url"
	"strings"
)

// Origin canonicalises any backend URL to `scheme://host[:port]`, the key
// used for every registry read and write. Path, query and fragment are
// stripped; scheme and host are lowercased. Unparseable input is returned
// trimmed of a trailing slash so lookups stay consistent.
func Origin(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return strings.TrimRight(raw, "/")
	}
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host)
}
