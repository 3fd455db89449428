package replay

import (
	"regexp"
	"strings"
)

var schemePattern = regexp.MustCompile(`^[a-z][a-z0-9+.-]*://`)

// DocumentRef is one document known to a folder. URL may be empty for uploaded PDFs, in which
// case the ID itself is matched.
type DocumentRef struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// Folder is the active folder and the documents it holds.
type Folder struct {
	ID        string        `json:"id"`
	Documents []DocumentRef `json:"documents"`
}

// NormalizeURL lowercases, drops the scheme and strips trailing slashes.
func NormalizeURL(raw string) string {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	normalized = schemePattern.ReplaceAllString(normalized, "")
	return strings.TrimRight(normalized, "/")
}

// ResolveDocumentID finds the folder document shown at currentURL. A candidate matches when
// either normalized form contains the other. URL matches across the folder win over document
// ids, which are only tried for documents without a URL. Within each pass folder order wins.
func ResolveDocumentID(folder Folder, currentURL string) (string, bool) {
	current := NormalizeURL(currentURL)
	if current == "" {
		return "", false
	}
	for _, document := range folder.Documents {
		if matchesURL(current, document.URL) {
			return document.ID, true
		}
	}
	for _, document := range folder.Documents {
		if strings.TrimSpace(document.URL) == "" && matchesURL(current, document.ID) {
			return document.ID, true
		}
	}
	return "", false
}

func matchesURL(current, candidate string) bool {
	normalized := NormalizeURL(candidate)
	if normalized == "" {
		return false
	}
	return strings.Contains(current, normalized) || strings.Contains(normalized, current)
}
