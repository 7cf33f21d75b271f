package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"pagewatch/api/internal/diffsvc"
	"pagewatch/api/internal/store"
)

type fakeVersionStore struct {
	versions map[string]store.Version
	oldest   map[string]store.Version
	pending  []store.Version
	inserted []insertedDiff
}

type insertedDiff struct {
	versionFrom    string
	versionTo      string
	diffHash       string
	uri            string
	sourceType     string
	sourceMetadata json.RawMessage
}

func (f *fakeVersionStore) GetVersion(_ context.Context, versionID string) (store.Version, error) {
	v, ok := f.versions[versionID]
	if !ok {
		return store.Version{}, store.ErrNotFound
	}
	return v, nil
}

func (f *fakeVersionStore) Oldest(_ context.Context, pageID string) (store.Version, error) {
	v, ok := f.oldest[pageID]
	if !ok {
		return store.Version{}, store.ErrNotFound
	}
	return v, nil
}

func (f *fakeVersionStore) InsertDiff(_ context.Context, versionFrom, versionTo, diffHash, uri, sourceType string, sourceMetadata json.RawMessage) (string, error) {
	f.inserted = append(f.inserted, insertedDiff{versionFrom, versionTo, diffHash, uri, sourceType, sourceMetadata})
	return fmt.Sprintf("diff-%d", len(f.inserted)), nil
}

func (f *fakeVersionStore) ListPendingVersions(_ context.Context) ([]store.Version, error) {
	return f.pending, nil
}

type fakePayloads struct {
	blobs  map[string][]byte
	writes []string
}

func (f *fakePayloads) Read(_ context.Context, locator string) ([]byte, error) {
	body, ok := f.blobs[locator]
	if !ok {
		return nil, fmt.Errorf("missing %s", locator)
	}
	return body, nil
}

func (f *fakePayloads) Write(_ context.Context, kind string, body []byte) (string, error) {
	locator := fmt.Sprintf("file:///payloads/%s/%d", kind, len(f.writes))
	if f.blobs == nil {
		f.blobs = make(map[string][]byte)
	}
	f.blobs[locator] = body
	f.writes = append(f.writes, locator)
	return locator, nil
}

type fakeComparer struct {
	response *diffsvc.Response
	err      error
	calls    [][2]string
}

func (f *fakeComparer) Compare(_ context.Context, html1, html2 string) (*diffsvc.Response, error) {
	f.calls = append(f.calls, [2]string{html1, html2})
	return f.response, f.err
}

type fakeEnqueuer struct {
	enqueued []string
	err      error
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, diffID string, _ float64) error {
	if f.err != nil {
		return f.err
	}
	f.enqueued = append(f.enqueued, diffID)
	return nil
}

func compareResponse(t *testing.T, diffs string) *diffsvc.Response {
	t.Helper()
	return &diffsvc.Response{
		Status:  "ok",
		Elapsed: 1.5,
		Result:  json.RawMessage(fmt.Sprintf(`{"output": {"diffs": %s}}`, diffs)),
	}
}

func newTestStore() *fakeVersionStore {
	baseline := store.Version{ID: "v-1", PageID: "pg-1", URI: "file:///payloads/captures/base"}
	latest := store.Version{ID: "v-2", PageID: "pg-1", URI: "file:///payloads/captures/new"}
	return &fakeVersionStore{
		versions: map[string]store.Version{"v-1": baseline, "v-2": latest},
		oldest:   map[string]store.Version{"pg-1": baseline},
	}
}

func TestDiffVersion(t *testing.T) {
	versions := newTestStore()
	payloads := &fakePayloads{blobs: map[string][]byte{
		"file:///payloads/captures/base": []byte("<html>old</html>"),
		"file:///payloads/captures/new":  []byte("<html>new</html>"),
	}}
	comparer := &fakeComparer{response: compareResponse(t, `[{"old": "old", "new": "new"}]`)}
	queue := &fakeEnqueuer{}

	p := New(versions, payloads, comparer, queue, "pagefreezer")
	diffID, err := p.DiffVersion(context.Background(), "v-2")
	if err != nil {
		t.Fatalf("DiffVersion failed: %v", err)
	}

	if len(comparer.calls) != 1 {
		t.Fatalf("expected 1 compare call, got %d", len(comparer.calls))
	}
	if comparer.calls[0][0] != "<html>old</html>" || comparer.calls[0][1] != "<html>new</html>" {
		t.Errorf("compare called with wrong bodies: %v", comparer.calls[0])
	}

	if len(versions.inserted) != 1 {
		t.Fatalf("expected 1 inserted diff, got %d", len(versions.inserted))
	}
	rec := versions.inserted[0]
	if rec.versionFrom != "v-1" || rec.versionTo != "v-2" {
		t.Errorf("expected diff v-1 -> v-2, got %s -> %s", rec.versionFrom, rec.versionTo)
	}
	if rec.sourceType != "pagefreezer" {
		t.Errorf("expected sourceType pagefreezer, got %s", rec.sourceType)
	}

	// The hash covers the compact change list.
	sum := sha256.Sum256([]byte(`[{"old":"old","new":"new"}]`))
	if want := hex.EncodeToString(sum[:]); rec.diffHash != want {
		t.Errorf("expected diff hash %s, got %s", want, rec.diffHash)
	}

	// The body was stored before the record and is readable via the locator.
	body, err := payloads.Read(context.Background(), rec.uri)
	if err != nil {
		t.Fatalf("read stored diff body: %v", err)
	}
	var stored struct {
		Output struct {
			Diffs []map[string]string `json:"diffs"`
		} `json:"output"`
	}
	if err := json.Unmarshal(body, &stored); err != nil {
		t.Fatalf("decode stored diff body: %v", err)
	}
	if len(stored.Output.Diffs) != 1 {
		t.Errorf("expected stored diff body with 1 change, got %s", body)
	}

	if len(queue.enqueued) != 1 || queue.enqueued[0] != diffID {
		t.Errorf("expected %s enqueued, got %v", diffID, queue.enqueued)
	}
}

func TestDiffVersionBaselineHasNoAncestor(t *testing.T) {
	versions := newTestStore()
	p := New(versions, &fakePayloads{}, &fakeComparer{}, &fakeEnqueuer{}, "pagefreezer")

	_, err := p.DiffVersion(context.Background(), "v-1")
	if !errors.Is(err, ErrNoAncestor) {
		t.Errorf("expected ErrNoAncestor for baseline version, got %v", err)
	}
	if len(versions.inserted) != 0 {
		t.Errorf("expected no diff inserted for baseline, got %d", len(versions.inserted))
	}
}

func TestDiffVersionUnknownVersion(t *testing.T) {
	p := New(newTestStore(), &fakePayloads{}, &fakeComparer{}, &fakeEnqueuer{}, "pagefreezer")

	_, err := p.DiffVersion(context.Background(), "v-404")
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestDiffVersionEmptyChanges(t *testing.T) {
	versions := newTestStore()
	payloads := &fakePayloads{blobs: map[string][]byte{
		"file:///payloads/captures/base": []byte("same"),
		"file:///payloads/captures/new":  []byte("same"),
	}}
	comparer := &fakeComparer{response: compareResponse(t, `[]`)}

	p := New(versions, payloads, comparer, &fakeEnqueuer{}, "pagefreezer")
	if _, err := p.DiffVersion(context.Background(), "v-2"); err != nil {
		t.Fatalf("DiffVersion failed: %v", err)
	}

	sum := sha256.Sum256([]byte("[]"))
	if want := hex.EncodeToString(sum[:]); versions.inserted[0].diffHash != want {
		t.Errorf("expected empty-change hash %s, got %s", want, versions.inserted[0].diffHash)
	}
}

func TestDiffVersionCompareFailure(t *testing.T) {
	versions := newTestStore()
	payloads := &fakePayloads{blobs: map[string][]byte{
		"file:///payloads/captures/base": []byte("a"),
		"file:///payloads/captures/new":  []byte("b"),
	}}
	comparer := &fakeComparer{err: fmt.Errorf("boom: %w", diffsvc.ErrService)}

	p := New(versions, payloads, comparer, &fakeEnqueuer{}, "pagefreezer")
	_, err := p.DiffVersion(context.Background(), "v-2")
	if !errors.Is(err, diffsvc.ErrService) {
		t.Errorf("expected diff service error to pass through, got %v", err)
	}
	if len(versions.inserted) != 0 {
		t.Errorf("expected no diff inserted on compare failure, got %d", len(versions.inserted))
	}
	if len(payloads.writes) != 0 {
		t.Errorf("expected no payload written on compare failure, got %d", len(payloads.writes))
	}
}

func TestProcessPending(t *testing.T) {
	baseline := store.Version{ID: "v-1", PageID: "pg-1", URI: "file:///payloads/captures/base"}
	second := store.Version{ID: "v-2", PageID: "pg-1", URI: "file:///payloads/captures/new"}
	versions := &fakeVersionStore{
		versions: map[string]store.Version{"v-1": baseline, "v-2": second},
		oldest:   map[string]store.Version{"pg-1": baseline},
		// The baseline itself shows up as pending; it must be skipped, not
		// counted or treated as a failure.
		pending: []store.Version{baseline, second},
	}
	payloads := &fakePayloads{blobs: map[string][]byte{
		"file:///payloads/captures/base": []byte("a"),
		"file:///payloads/captures/new":  []byte("b"),
	}}
	comparer := &fakeComparer{response: compareResponse(t, `[{"old": "a", "new": "b"}]`)}
	queue := &fakeEnqueuer{}

	p := New(versions, payloads, comparer, queue, "pagefreezer")
	processed, err := p.ProcessPending(context.Background())
	if err != nil {
		t.Fatalf("ProcessPending failed: %v", err)
	}
	if processed != 1 {
		t.Errorf("expected 1 processed, got %d", processed)
	}
	if len(versions.inserted) != 1 {
		t.Errorf("expected 1 inserted diff, got %d", len(versions.inserted))
	}
}

func TestProcessPendingContinuesAfterFailure(t *testing.T) {
	baseline := store.Version{ID: "v-1", PageID: "pg-1", URI: "file:///payloads/captures/base"}
	broken := store.Version{ID: "v-2", PageID: "pg-1", URI: "file:///payloads/captures/missing"}
	good := store.Version{ID: "v-3", PageID: "pg-1", URI: "file:///payloads/captures/new"}
	versions := &fakeVersionStore{
		versions: map[string]store.Version{"v-1": baseline, "v-2": broken, "v-3": good},
		oldest:   map[string]store.Version{"pg-1": baseline},
		pending:  []store.Version{broken, good},
	}
	payloads := &fakePayloads{blobs: map[string][]byte{
		"file:///payloads/captures/base": []byte("a"),
		"file:///payloads/captures/new":  []byte("b"),
	}}
	comparer := &fakeComparer{response: compareResponse(t, `[]`)}

	p := New(versions, payloads, comparer, &fakeEnqueuer{}, "pagefreezer")
	processed, err := p.ProcessPending(context.Background())
	if err != nil {
		t.Fatalf("ProcessPending failed: %v", err)
	}
	if processed != 1 {
		t.Errorf("expected failure skipped and 1 processed, got %d", processed)
	}
}
