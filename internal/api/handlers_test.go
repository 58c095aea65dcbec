package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func testRouter() http.Handler {
	return SetupRoutes(&Handlers{Workers: map[string]StatsFunc{
		"scheduler": func() map[string]int64 { return map[string]int64{"fetches": 3} },
	}}, nil)
}

func TestHealthCheck(t *testing.T) {
	rec := httptest.NewRecorder()
	testRouter().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}

func TestGetStats(t *testing.T) {
	rec := httptest.NewRecorder()
	testRouter().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/stats", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]map[string]int64
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["scheduler"]["fetches"] != 3 {
		t.Errorf("stats = %v", body)
	}
}

func TestCreateSourceValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"broken json", `{`},
		{"unknown type", `{"type":"TELEGRAPH","name":"x","fetch_interval_sec":900}`},
		{"missing name", `{"type":"RSS","fetch_interval_sec":900}`},
		{"sub-minute interval", `{"type":"RSS","name":"x","fetch_interval_sec":5}`},
	}

	router := testRouter()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/api/sources/", strings.NewReader(tt.body))
			router.ServeHTTP(rec, req)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
		})
	}
}

func TestAddGoalTermValidation(t *testing.T) {
	router := testRouter()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/goals/g1/terms",
		strings.NewReader(`{"term":"golang","term_type":"MAYBE"}`))
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad term_type status = %d, want 400", rec.Code)
	}

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/api/goals/g1/terms",
		strings.NewReader(`{"term":"","term_type":"MUST"}`))
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("empty term status = %d, want 400", rec.Code)
	}
}

func TestPostFeedbackValidation(t *testing.T) {
	router := testRouter()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/feedback",
		strings.NewReader(`{"user_id":"u1","item_id":"i1","kind":"MEH"}`))
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad kind status = %d, want 400", rec.Code)
	}

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/api/feedback",
		strings.NewReader(`{"kind":"LIKE"}`))
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing ids status = %d, want 400", rec.Code)
	}
}

func TestUpdateItemSummaryValidation(t *testing.T) {
	router := testRouter()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPut, "/api/items/i1/summary",
		strings.NewReader(`{"summary":""}`))
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("empty summary status = %d, want 400", rec.Code)
	}
}

func TestImportCatalogValidation(t *testing.T) {
	router := testRouter()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/sources/import-catalog",
		strings.NewReader(`{"catalog_url":"http://example.com/catalog.json"}`))
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing base_url status = %d, want 400", rec.Code)
	}
}
