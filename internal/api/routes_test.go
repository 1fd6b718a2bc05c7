package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/dolr-ai/videohash-indexer/internal/orchestrator"
	"github.com/dolr-ai/videohash-indexer/internal/store"
	"github.com/dolr-ai/videohash-indexer/internal/warehouse"
	"github.com/dolr-ai/videohash-indexer/pkg/models"
)

type fakeWarehouse struct{}

func (f *fakeWarehouse) FetchAll(ctx context.Context) ([]warehouse.Row, error) { return nil, nil }
func (f *fakeWarehouse) Append(ctx context.Context, id, codeString string) error { return nil }
func (f *fakeWarehouse) AppendMany(ctx context.Context, rows []warehouse.Row) error { return nil }
func (f *fakeWarehouse) Healthy(ctx context.Context) bool { return true }

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	s := store.New(8, zap.NewNop())
	orch := orchestrator.New(s, &fakeWarehouse{}, 10, 5*time.Second, zap.NewNop())
	hub := NewHub(zap.NewNop())
	go hub.Run()

	return SetupRouter(Options{
		Orchestrator: orch,
		Store:        s,
		Hub:          hub,
		Log:          zap.NewNop(),
	})
}

func doJSON(r *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		reader = strings.NewReader(string(b))
	} else {
		reader = strings.NewReader("")
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestSearchInsertThenDuplicateHTTP(t *testing.T) {
	r := newTestRouter(t)

	rec := doJSON(r, http.MethodPost, "/search", models.SearchRequest{VideoID: "v1", Hash: strings.Repeat("0", 64)})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	var first models.SearchResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &first); err != nil {
		t.Fatal(err)
	}
	if first.MatchFound || !first.HashAdded {
		t.Errorf("first search = %+v, want match_found=false hash_added=true", first)
	}

	rec = doJSON(r, http.MethodPost, "/search", models.SearchRequest{VideoID: "v2", Hash: strings.Repeat("0", 60) + strings.Repeat("1", 4)})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	var second models.SearchResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &second); err != nil {
		t.Fatal(err)
	}
	if !second.MatchFound || second.MatchDetails == nil || second.MatchDetails.VideoID != "v1" {
		t.Errorf("second search = %+v, want match on v1", second)
	}
}

func TestSearchBadSymbolReturns400(t *testing.T) {
	r := newTestRouter(t)
	rec := doJSON(r, http.MethodPost, "/search", models.SearchRequest{VideoID: "x", Hash: "2" + strings.Repeat("0", 63)})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestDeleteThenReinsert(t *testing.T) {
	r := newTestRouter(t)
	doJSON(r, http.MethodPost, "/search", models.SearchRequest{VideoID: "v1", Hash: strings.Repeat("0", 64)})

	rec := doJSON(r, http.MethodDelete, "/hash/v1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d, want 200", rec.Code)
	}

	rec = doJSON(r, http.MethodDelete, "/hash/v1", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", rec.Code)
	}

	rec = doJSON(r, http.MethodPost, "/search", models.SearchRequest{VideoID: "v1", Hash: strings.Repeat("0", 64)})
	if rec.Code != http.StatusOK {
		t.Fatalf("reinsert status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	var again models.SearchResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &again); err != nil {
		t.Fatal(err)
	}
	if again.MatchFound || !again.HashAdded {
		t.Errorf("reinsert search = %+v, want match_found=false hash_added=true", again)
	}
}

func TestHealthEndpoint(t *testing.T) {
	r := newTestRouter(t)
	rec := doJSON(r, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp models.HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != "ok" || resp.Components["warehouse"].Status != "healthy" {
		t.Errorf("health response = %+v", resp)
	}
}

func TestAdminEntriesRequiresAuthWhenTokenSet(t *testing.T) {
	gin.SetMode(gin.TestMode)
	s := store.New(8, zap.NewNop())
	orch := orchestrator.New(s, &fakeWarehouse{}, 10, 5*time.Second, zap.NewNop())
	hub := NewHub(zap.NewNop())
	go hub.Run()

	r := SetupRouter(Options{
		Orchestrator: orch,
		Store:        s,
		Hub:          hub,
		Log:          zap.NewNop(),
		APIAuthToken: "secret",
	})

	rec := doJSON(r, http.MethodGet, "/admin/entries", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401 without token", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/admin/entries", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 with valid token", rec.Code)
	}
}
