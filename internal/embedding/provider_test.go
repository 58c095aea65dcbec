package embedding

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHTTPProviderEmbed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/embeddings" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer test-key" {
			t.Errorf("auth = %q", auth)
		}
		var req embeddingRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if req.Model != "text-embedding-3-small" || len(req.Input) != 2 {
			t.Errorf("request = %+v", req)
		}
		// Out of order on purpose; vectors must land by index.
		fmt.Fprint(w, `{"data":[
			{"index":1,"embedding":[0.3,0.4]},
			{"index":0,"embedding":[0.1,0.2]}
		]}`)
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL, "test-key", "text-embedding-3-small", srv.Client())
	vecs, err := p.Embed(context.Background(), []string{"first", "second"})
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if len(vecs) != 2 || vecs[0][0] != 0.1 || vecs[1][0] != 0.3 {
		t.Errorf("vectors = %v, want index order restored", vecs)
	}
}

func TestHTTPProviderEmbedEmpty(t *testing.T) {
	p := NewHTTPProvider("http://unused", "k", "m", nil)
	vecs, err := p.Embed(context.Background(), nil)
	if err != nil || vecs != nil {
		t.Errorf("empty input = %v, %v", vecs, err)
	}
}

func TestHTTPProviderEmbedErrors(t *testing.T) {
	t.Run("api error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprint(w, `{"error":{"message":"quota exceeded","type":"rate_limit"}}`)
		}))
		defer srv.Close()

		p := NewHTTPProvider(srv.URL, "k", "m", srv.Client())
		_, err := p.Embed(context.Background(), []string{"x"})
		if err == nil || !strings.Contains(err.Error(), "quota exceeded") {
			t.Errorf("err = %v, want api message surfaced", err)
		}
	})

	t.Run("count mismatch", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"data":[{"index":0,"embedding":[0.1]}]}`)
		}))
		defer srv.Close()

		p := NewHTTPProvider(srv.URL, "k", "m", srv.Client())
		if _, err := p.Embed(context.Background(), []string{"a", "b"}); err == nil {
			t.Errorf("short response accepted")
		}
	})

	t.Run("index out of range", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"data":[{"index":5,"embedding":[0.1]}]}`)
		}))
		defer srv.Close()

		p := NewHTTPProvider(srv.URL, "k", "m", srv.Client())
		if _, err := p.Embed(context.Background(), []string{"a"}); err == nil {
			t.Errorf("rogue index accepted")
		}
	})
}

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		text string
		want int64
	}{
		{"", 1},
		{"abc", 1},
		{"abcd", 1},
		{"abcde", 2},
		{strings.Repeat("x", 400), 100},
	}
	for _, tt := range tests {
		if got := EstimateTokens(tt.text); got != tt.want {
			t.Errorf("EstimateTokens(%d chars) = %d, want %d", len(tt.text), got, tt.want)
		}
	}
}
