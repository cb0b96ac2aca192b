package seed

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	"watchtower/internal/model"
)

type fakeStore struct {
	endpoints map[string]model.Endpoint
	creates   int
	updates   int
}

func newFakeStore(existing ...model.Endpoint) *fakeStore {
	fs := &fakeStore{endpoints: make(map[string]model.Endpoint)}
	for _, e := range existing {
		fs.endpoints[e.Name] = e
	}
	return fs
}

func (f *fakeStore) ListEndpoints(ctx context.Context) ([]model.Endpoint, error) {
	var out []model.Endpoint
	for _, e := range f.endpoints {
		out = append(out, e)
	}
	return out, nil
}

func (f *fakeStore) CreateEndpoint(ctx context.Context, e model.Endpoint) (model.Endpoint, error) {
	e.ID = uuid.New()
	f.endpoints[e.Name] = e
	f.creates++
	return e, nil
}

func (f *fakeStore) UpdateEndpoint(ctx context.Context, e model.Endpoint) (model.Endpoint, error) {
	f.endpoints[e.Name] = e
	f.updates++
	return e, nil
}

func writeYAML(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "endpoints.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write yaml: %v", err)
	}
	return path
}

func TestFromFile_MissingPathIsANoOp(t *testing.T) {
	fs := newFakeStore()
	if err := FromFile(context.Background(), fs, ""); err != nil {
		t.Fatalf("expected no error for an empty path, got %v", err)
	}
	if fs.creates != 0 {
		t.Fatalf("expected no creates")
	}
}

func TestFromFile_MissingFileIsANoOp(t *testing.T) {
	fs := newFakeStore()
	if err := FromFile(context.Background(), fs, "/nonexistent/endpoints.yaml"); err != nil {
		t.Fatalf("expected no error for a missing file, got %v", err)
	}
	if fs.creates != 0 {
		t.Fatalf("expected no creates")
	}
}

func TestFromFile_CreatesNewEndpoints(t *testing.T) {
	path := writeYAML(t, `
endpoints:
  - name: api
    url: https://api.example.com
    checkInterval: 30
`)
	fs := newFakeStore()
	if err := FromFile(context.Background(), fs, path); err != nil {
		t.Fatalf("FromFile: %v", err)
	}
	if fs.creates != 1 {
		t.Fatalf("expected 1 create, got %d", fs.creates)
	}
	if fs.endpoints["api"].CheckInterval != 30 {
		t.Fatalf("expected checkInterval 30, got %d", fs.endpoints["api"].CheckInterval)
	}
}

func TestFromFile_UnchangedContentIsANoOp(t *testing.T) {
	path := writeYAML(t, `
endpoints:
  - name: api
    url: https://api.example.com
    checkInterval: 30
`)
	fs := newFakeStore()
	if err := FromFile(context.Background(), fs, path); err != nil {
		t.Fatalf("first sync: %v", err)
	}
	fs.creates = 0

	if err := FromFile(context.Background(), fs, path); err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if fs.creates != 0 || fs.updates != 0 {
		t.Fatalf("expected re-running with unchanged content to be a no-op, got creates=%d updates=%d", fs.creates, fs.updates)
	}
}

func TestFromFile_ChangedContentUpdates(t *testing.T) {
	existing := model.Endpoint{ID: uuid.New(), Name: "api", URL: "https://api.example.com", CheckInterval: 30, Timeout: 10, ExpectedStatus: 200, Severity: model.SeverityMedium, Enabled: true}
	fs := newFakeStore(existing)

	path := writeYAML(t, `
endpoints:
  - name: api
    url: https://api.example.com
    checkInterval: 60
`)
	if err := FromFile(context.Background(), fs, path); err != nil {
		t.Fatalf("FromFile: %v", err)
	}
	if fs.updates != 1 {
		t.Fatalf("expected 1 update for a changed interval, got %d", fs.updates)
	}
	if fs.endpoints["api"].ID != existing.ID {
		t.Fatalf("expected the update to preserve the existing endpoint's id")
	}
}

func TestFromFile_SkipsEntriesMissingNameOrURL(t *testing.T) {
	path := writeYAML(t, `
endpoints:
  - name: ""
    url: https://api.example.com
  - name: no-url
    url: ""
`)
	fs := newFakeStore()
	if err := FromFile(context.Background(), fs, path); err != nil {
		t.Fatalf("FromFile: %v", err)
	}
	if fs.creates != 0 {
		t.Fatalf("expected invalid entries to be skipped, got %d creates", fs.creates)
	}
}
