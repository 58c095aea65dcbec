// Package ingest turns fetched postings into deduplicated Item rows.
// Deduplication is keyed on a canonical form of the posting URL so the
// same story reached through different sources, tracking params, or
// scheme/host casing collapses to one item.
package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"sort"
	"strings"
)

// droppedQueryKeys are tracking keys removed during canonicalisation,
// in addition to any key with a "utm_" prefix.
var droppedQueryKeys = map[string]bool{
	"spm":    true,
	"from":   true,
	"ref":    true,
	"source": true,
}

// CanonicalizeURL normalises a URL for topic-level deduplication:
// lowercased scheme/host (default scheme https), leading "www." stripped,
// fragment dropped, tracking query keys removed, remaining query keys
// lowercased and sorted, path lowercased with the trailing slash removed
// (an empty path becomes "/").
func CanonicalizeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}

	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme == "" {
		scheme = "https"
	}

	host := strings.ToLower(u.Host)
	host = strings.TrimPrefix(host, "www.")

	// If the input had no scheme, net/url parses "example.com/x" as a
	// path with empty host. Re-split in that case.
	path := u.Path
	if host == "" && path != "" {
		parts := strings.SplitN(strings.TrimPrefix(path, "/"), "/", 2)
		host = strings.ToLower(strings.TrimPrefix(parts[0], "www."))
		if len(parts) == 2 {
			path = "/" + parts[1]
		} else {
			path = ""
		}
	}

	path = strings.ToLower(path)
	if path == "" {
		path = "/"
	} else if path != "/" {
		path = strings.TrimSuffix(path, "/")
		if path == "" {
			path = "/"
		}
	}

	query := canonicalQuery(u.RawQuery)

	var b strings.Builder
	b.WriteString(scheme)
	b.WriteString("://")
	b.WriteString(host)
	b.WriteString(path)
	if query != "" {
		b.WriteString("?")
		b.WriteString(query)
	}
	return b.String()
}

type queryPair struct{ key, value string }

// canonicalQuery drops tracking keys, lowercases the remaining keys,
// sorts pairs lexicographically, and re-encodes.
func canonicalQuery(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}

	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		return ""
	}

	var pairs []queryPair
	for key, vals := range values {
		lower := strings.ToLower(key)
		if strings.HasPrefix(lower, "utm_") || droppedQueryKeys[lower] {
			continue
		}
		for _, v := range vals {
			pairs = append(pairs, queryPair{key: lower, value: v})
		}
	}
	if len(pairs) == 0 {
		return ""
	}

	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].key != pairs[j].key {
			return pairs[i].key < pairs[j].key
		}
		return pairs[i].value < pairs[j].value
	})

	var b strings.Builder
	for i, p := range pairs {
		if i > 0 {
			b.WriteString("&")
		}
		b.WriteString(url.QueryEscape(p.key))
		b.WriteString("=")
		b.WriteString(url.QueryEscape(p.value))
	}
	return b.String()
}

// URLHash returns the full sha256 hex digest of the canonical URL.
// The unique index on this column enforces cross-source dedupe.
func URLHash(rawURL string) string {
	sum := sha256.Sum256([]byte(CanonicalizeURL(rawURL)))
	return hex.EncodeToString(sum[:])
}

// TopicKey returns the 32-hex-char topic digest of the canonical URL.
func TopicKey(rawURL string) string {
	return URLHash(rawURL)[:32]
}
