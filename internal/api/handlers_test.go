package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/Maneox/List-IQ/internal/domain"
	"github.com/Maneox/List-IQ/internal/importer"
	"github.com/Maneox/List-IQ/internal/publisher"
	"github.com/Maneox/List-IQ/internal/storage"
)

type fakeStore struct {
	mu     sync.Mutex
	nextID int64
	lists  map[int64]*domain.List
	rows   map[int64][]domain.Row
	runs   map[int64][]domain.ImportResult
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		nextID: 1,
		lists:  map[int64]*domain.List{},
		rows:   map[int64][]domain.Row{},
		runs:   map[int64][]domain.ImportResult{},
	}
}

func (f *fakeStore) GetList(_ context.Context, id int64) (*domain.List, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.lists[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	copied := *l
	return &copied, nil
}

func (f *fakeStore) GetListByToken(_ context.Context, token string) (*domain.List, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, l := range f.lists {
		if token != "" && l.PublicAccessToken == token {
			copied := *l
			return &copied, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (f *fakeStore) ListLists(context.Context) ([]domain.List, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.List
	for _, l := range f.lists {
		out = append(out, *l)
	}
	return out, nil
}

func (f *fakeStore) CreateList(_ context.Context, l *domain.List) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	l.ID = f.nextID
	f.nextID++
	copied := *l
	f.lists[l.ID] = &copied
	return nil
}

func (f *fakeStore) UpdateList(_ context.Context, l *domain.List) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.lists[l.ID]; !ok {
		return storage.ErrNotFound
	}
	copied := *l
	f.lists[l.ID] = &copied
	return nil
}

func (f *fakeStore) DeleteList(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.lists[id]; !ok {
		return storage.ErrNotFound
	}
	delete(f.lists, id)
	return nil
}

func (f *fakeStore) SetToken(_ context.Context, id int64, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.lists[id]
	if !ok {
		return storage.ErrNotFound
	}
	l.PublicAccessToken = token
	return nil
}

func (f *fakeStore) ReadRows(_ context.Context, l *domain.List) ([]domain.Row, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rows[l.ID], nil
}

func (f *fakeStore) UpdateRow(_ context.Context, l *domain.List, rowID int, cells map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.rows[l.ID] {
		if f.rows[l.ID][i].ID == rowID {
			for k, v := range cells {
				f.rows[l.ID][i].Cells[k] = v
			}
			return nil
		}
	}
	return storage.ErrNotFound
}

func (f *fakeStore) ListRuns(_ context.Context, listID int64, _ int) ([]domain.ImportResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runs[listID], nil
}

type fakeImporter struct {
	result domain.ImportResult
	calls  int
	forced bool
}

func (f *fakeImporter) Import(_ context.Context, _ int64, force bool) domain.ImportResult {
	f.calls++
	f.forced = force
	return f.result
}

func newTestServer(t *testing.T, fs *fakeStore, imp *fakeImporter) *httptest.Server {
	t.Helper()
	pub, err := publisher.New(t.TempDir())
	if err != nil {
		t.Fatalf("publisher: %v", err)
	}
	h := NewHandlers(fs, imp, nil, pub, importer.NewRunTracker(nil))
	srv := httptest.NewServer(SetupRoutes(h))
	t.Cleanup(srv.Close)
	return srv
}

func publishedList() *domain.List {
	return &domain.List{
		ID:   1,
		Name: "Threat Feed",
		Columns: []domain.Column{
			{Name: "host", Position: 0, Type: domain.TypeText},
		},
		IsActive:          true,
		PublicCSVEnabled:  true,
		PublicJSONEnabled: true,
		PublicAccessToken: "tok-public",
	}
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, newFakeStore(), &fakeImporter{})
	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "healthy" {
		t.Errorf("status = %v, want healthy", body["status"])
	}
	if ts, _ := body["timestamp"].(string); ts == "" {
		t.Error("timestamp missing")
	}
}

func TestCreateListGeneratesToken(t *testing.T) {
	fs := newFakeStore()
	srv := newTestServer(t, fs, &fakeImporter{})

	body := `{"name":"feeds","update_type":"automatic","update_schedule":"*/5 * * * *",
		"update_config":{"source":"url","url":"https://example.com/feed.csv"},
		"public_csv_enabled":true}`
	resp, err := http.Post(srv.URL+"/api/lists", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	created := fs.lists[1]
	if created == nil {
		t.Fatal("list not stored")
	}
	if created.PublicAccessToken == "" {
		t.Error("public list must get a token")
	}
	if created.UpdateConfig.Source != domain.SourceURL {
		t.Errorf("config source = %q", created.UpdateConfig.Source)
	}

	// The token never appears in API responses.
	var echoed map[string]any
	json.NewDecoder(resp.Body).Decode(&echoed)
	if _, ok := echoed["public_access_token"]; ok {
		t.Error("token leaked in response body")
	}
}

func TestCreateListRejectsBadConfig(t *testing.T) {
	srv := newTestServer(t, newFakeStore(), &fakeImporter{})
	body := `{"name":"broken","update_config":{"source":"url"}}`
	resp, err := http.Post(srv.URL+"/api/lists", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for invalid config", resp.StatusCode)
	}
}

func TestPublicCSVDownload(t *testing.T) {
	fs := newFakeStore()
	l := publishedList()
	fs.lists[1] = l
	fs.rows[1] = []domain.Row{{ID: 1, Cells: map[string]string{"host": "a.example"}}}
	srv := newTestServer(t, fs, &fakeImporter{})

	resp, err := http.Get(srv.URL + "/public/csv/tok-public")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	cd := resp.Header.Get("Content-Disposition")
	if !strings.Contains(cd, "attachment") || !strings.Contains(cd, "Threat_Feed_") {
		t.Errorf("content-disposition = %q", cd)
	}
}

func TestPublicUnknownTokenAndDisabledFormat(t *testing.T) {
	fs := newFakeStore()
	l := publishedList()
	l.PublicTXTEnabled = false
	fs.lists[1] = l
	srv := newTestServer(t, fs, &fakeImporter{})

	resp, _ := http.Get(srv.URL + "/public/csv/wrong-token")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown token: status = %d", resp.StatusCode)
	}

	resp, _ = http.Get(srv.URL + "/public/txt/tok-public")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("disabled format: status = %d", resp.StatusCode)
	}
}

func TestPublicIPRejection(t *testing.T) {
	fs := newFakeStore()
	l := publishedList()
	l.IPRestrictionEnabled = true
	l.AllowedIPs = []string{"198.51.100.0/24"}
	fs.lists[1] = l
	srv := newTestServer(t, fs, &fakeImporter{})

	req, _ := http.NewRequest("GET", srv.URL+"/public/csv/tok-public", nil)
	req.Header.Set("True-Client-IP", "203.0.113.99")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
	var payload struct {
		Details struct {
			ClientIP string   `json:"client_ip"`
			Rules    []string `json:"rules"`
		} `json:"details"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode 403 body: %v", err)
	}
	if payload.Details.ClientIP != "203.0.113.99" || len(payload.Details.Rules) != 1 {
		t.Errorf("details = %+v", payload.Details)
	}

	// An allowed address passes.
	req.Header.Set("True-Client-IP", "198.51.100.7")
	resp2, _ := http.DefaultClient.Do(req)
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Errorf("allowed ip: status = %d", resp2.StatusCode)
	}
}

func TestRefreshReturnsResult(t *testing.T) {
	fs := newFakeStore()
	fs.lists[1] = publishedList()
	imp := &fakeImporter{result: func() domain.ImportResult {
		r := domain.Succeeded(12)
		r.Logs = []string{"fetched 100 bytes"}
		return r
	}()}
	srv := newTestServer(t, fs, imp)

	resp, err := http.Post(srv.URL+"/api/lists/1/refresh?force=true", "application/json", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if !imp.forced {
		t.Error("force flag not passed through")
	}
	var res domain.ImportResult
	json.NewDecoder(resp.Body).Decode(&res)
	if res.Status != domain.ImportSuccess || res.Rows != 12 || len(res.Logs) != 1 {
		t.Errorf("result = %+v", res)
	}
}

func TestRefreshFailureStatusCodes(t *testing.T) {
	fs := newFakeStore()
	fs.lists[1] = publishedList()
	imp := &fakeImporter{result: domain.Failed(domain.ErrHTTPStatus, &domain.HTTPStatusError{StatusCode: 502, URL: "x"})}
	srv := newTestServer(t, fs, imp)

	resp, _ := http.Post(srv.URL+"/api/lists/1/refresh", "application/json", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("transport failure: status = %d", resp.StatusCode)
	}

	imp.result = domain.Failed(domain.ErrConfiguration, &domain.ConfigError{Field: "url", Reason: "missing"})
	resp, _ = http.Post(srv.URL+"/api/lists/1/refresh", "application/json", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("configuration failure: status = %d", resp.StatusCode)
	}

	imp.result = domain.Failed(domain.ErrStorage, errors.New("transaction aborted"))
	resp, _ = http.Post(srv.URL+"/api/lists/1/refresh", "application/json", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("storage failure: status = %d", resp.StatusCode)
	}
}

func TestUpdateRowValidation(t *testing.T) {
	fs := newFakeStore()
	l := publishedList()
	l.Columns = append(l.Columns, domain.Column{Name: "score", Position: 1, Type: domain.TypeNumber})
	fs.lists[1] = l
	fs.rows[1] = []domain.Row{{ID: 1, Cells: map[string]string{"host": "a.example", "score": "5"}}}
	srv := newTestServer(t, fs, &fakeImporter{})

	req, _ := http.NewRequest("PUT", srv.URL+"/api/lists/1/rows/1", strings.NewReader(`{"score":"not a number"}`))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("invalid value: status = %d", resp.StatusCode)
	}

	req, _ = http.NewRequest("PUT", srv.URL+"/api/lists/1/rows/1", strings.NewReader(`{"score":"9"}`))
	resp, _ = http.DefaultClient.Do(req)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("valid edit: status = %d", resp.StatusCode)
	}
	if fs.rows[1][0].Cells["score"] != "9" {
		t.Errorf("cell not updated: %v", fs.rows[1][0].Cells)
	}
}

func TestRotateToken(t *testing.T) {
	fs := newFakeStore()
	fs.lists[1] = publishedList()
	srv := newTestServer(t, fs, &fakeImporter{})

	resp, err := http.Post(srv.URL+"/api/lists/1/token", "application/json", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out map[string]string
	json.NewDecoder(resp.Body).Decode(&out)
	if out["public_access_token"] == "" || out["public_access_token"] == "tok-public" {
		t.Errorf("token = %q", out["public_access_token"])
	}
	if fs.lists[1].PublicAccessToken == "tok-public" {
		t.Error("stored token unchanged")
	}
}

func TestDeleteListRemovesArtifacts(t *testing.T) {
	fs := newFakeStore()
	fs.lists[1] = publishedList()
	srv := newTestServer(t, fs, &fakeImporter{})

	req, _ := http.NewRequest("DELETE", srv.URL+"/api/lists/1", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("status = %d", resp.StatusCode)
	}
	if _, ok := fs.lists[1]; ok {
		t.Error("list not deleted")
	}
}
