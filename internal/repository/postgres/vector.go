// Package postgres implements the SentryCore repositories against
// PostgreSQL using database/sql and lib/pq. Embeddings live in pgvector
// columns; the helpers here translate between []float32 and the pgvector
// text representation.
package postgres

import (
	"fmt"
	"strconv"
	"strings"
)

// encodeVector renders a float slice in pgvector text format: "[1,2,3]".
// A nil or empty slice encodes as SQL NULL via the returned ok=false.
func encodeVector(v []float32) (string, bool) {
	if len(v) == 0 {
		return "", false
	}
	var b strings.Builder
	b.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(f), 'g', -1, 32))
	}
	b.WriteByte(']')
	return b.String(), true
}

// decodeVector parses the pgvector text representation.
func decodeVector(s string) ([]float32, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	if !strings.HasPrefix(s, "[") || !strings.HasSuffix(s, "]") {
		return nil, fmt.Errorf("malformed vector literal %q", truncate(s, 32))
	}
	inner := strings.TrimSpace(s[1 : len(s)-1])
	if inner == "" {
		return nil, nil
	}
	parts := strings.Split(inner, ",")
	out := make([]float32, len(parts))
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, fmt.Errorf("malformed vector element %d: %w", i, err)
		}
		out[i] = float32(f)
	}
	return out, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
