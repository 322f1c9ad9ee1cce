package storage

import (
	"net/url"
	"regexp"
	"strings"
)

var (
	uuidSegmentPattern    = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)
	numericSegmentPattern = regexp.MustCompile(`^\d+$`)
	hexSegmentPattern     = regexp.MustCompile(`^[0-9a-fA-F]{16,}$`)
)

// NormalizeEndpoint reduces a request URI to a stable endpoint path: the
// query string is dropped and id-like path segments are replaced with
// placeholders ({id} for numeric, {uuid} for UUIDs and long hex tokens).
// Aggregation across requests to the same logical endpoint depends on this.
//
//	/api/users/42/orders?page=2   -> /api/users/{id}/orders
//	/files/550e8400-e29b-...      -> /files/{uuid}
//
// A URI that fails to parse is returned path-normalized as best effort.
func NormalizeEndpoint(rawURI string) string {
	path := rawURI

	if parsed, err := url.Parse(rawURI); err == nil && parsed.Path != "" {
		path = parsed.Path
	} else if idx := strings.IndexByte(rawURI, '?'); idx >= 0 {
		path = rawURI[:idx]
	}

	segments := strings.Split(path, "/")
	for i, segment := range segments {
		switch {
		case segment == "":
		case uuidSegmentPattern.MatchString(segment):
			segments[i] = "{uuid}"
		case numericSegmentPattern.MatchString(segment):
			segments[i] = "{id}"
		case hexSegmentPattern.MatchString(segment):
			segments[i] = "{uuid}"
		}
	}

	normalized := strings.Join(segments, "/")
	if normalized == "" {
		return "/"
	}

	return normalized
}
