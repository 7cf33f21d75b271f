package app

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"pagewatch/api/internal/config"
	"pagewatch/api/internal/queue"
	"pagewatch/api/internal/store"
)

type fakeStore struct {
	insertPageFn          func(context.Context, string, string, string, string) (string, error)
	getPageFn             func(context.Context, string) (store.Page, error)
	getPageByURLFn        func(context.Context, string) (store.Page, error)
	insertVersionFn       func(context.Context, string, time.Time, string, string, string, json.RawMessage) (string, error)
	getVersionFn          func(context.Context, string) (store.Version, error)
	historyFn             func(context.Context, string) (store.VersionIter, error)
	oldestFn              func(context.Context, string) (store.Version, error)
	getDiffFn             func(context.Context, string) (store.Diff, error)
	listDiffsByChangeFn   func(context.Context, string, string) ([]store.Diff, error)
	listUnreviewedFn      func(context.Context) ([]store.Diff, error)
	insertAnnotationFn    func(context.Context, string, string, json.RawMessage, string) (string, error)
	getAnnotationFn       func(context.Context, string) (store.Annotation, error)
	annotationsByChangeFn func(context.Context, string, string) ([]store.Annotation, error)
}

func (f *fakeStore) InsertPage(ctx context.Context, url, title, agency, site string) (string, error) {
	if f.insertPageFn != nil {
		return f.insertPageFn(ctx, url, title, agency, site)
	}
	return "pg-1", nil
}
func (f *fakeStore) GetPage(ctx context.Context, pageID string) (store.Page, error) {
	if f.getPageFn != nil {
		return f.getPageFn(ctx, pageID)
	}
	return store.Page{ID: pageID}, nil
}
func (f *fakeStore) GetPageByURL(ctx context.Context, url string) (store.Page, error) {
	if f.getPageByURLFn != nil {
		return f.getPageByURLFn(ctx, url)
	}
	return store.Page{}, store.ErrNotFound
}
func (f *fakeStore) InsertVersion(ctx context.Context, pageID string, captureTime time.Time, uri, versionHash, sourceType string, sourceMetadata json.RawMessage) (string, error) {
	if f.insertVersionFn != nil {
		return f.insertVersionFn(ctx, pageID, captureTime, uri, versionHash, sourceType, sourceMetadata)
	}
	return "v-1", nil
}
func (f *fakeStore) GetVersion(ctx context.Context, versionID string) (store.Version, error) {
	if f.getVersionFn != nil {
		return f.getVersionFn(ctx, versionID)
	}
	return store.Version{ID: versionID}, nil
}
func (f *fakeStore) History(ctx context.Context, pageID string) (store.VersionIter, error) {
	if f.historyFn != nil {
		return f.historyFn(ctx, pageID)
	}
	return &sliceIter{}, nil
}
func (f *fakeStore) Oldest(ctx context.Context, pageID string) (store.Version, error) {
	if f.oldestFn != nil {
		return f.oldestFn(ctx, pageID)
	}
	return store.Version{}, store.ErrNotFound
}
func (f *fakeStore) GetDiff(ctx context.Context, diffID string) (store.Diff, error) {
	if f.getDiffFn != nil {
		return f.getDiffFn(ctx, diffID)
	}
	return store.Diff{ID: diffID}, nil
}
func (f *fakeStore) ListDiffsByChange(ctx context.Context, versionFrom, versionTo string) ([]store.Diff, error) {
	if f.listDiffsByChangeFn != nil {
		return f.listDiffsByChangeFn(ctx, versionFrom, versionTo)
	}
	return nil, nil
}
func (f *fakeStore) ListUnreviewedDiffs(ctx context.Context) ([]store.Diff, error) {
	if f.listUnreviewedFn != nil {
		return f.listUnreviewedFn(ctx)
	}
	return nil, nil
}
func (f *fakeStore) InsertAnnotation(ctx context.Context, versionFrom, versionTo string, annotation json.RawMessage, author string) (string, error) {
	if f.insertAnnotationFn != nil {
		return f.insertAnnotationFn(ctx, versionFrom, versionTo, annotation, author)
	}
	return "ann-1", nil
}
func (f *fakeStore) GetAnnotation(ctx context.Context, annotationID string) (store.Annotation, error) {
	if f.getAnnotationFn != nil {
		return f.getAnnotationFn(ctx, annotationID)
	}
	return store.Annotation{ID: annotationID}, nil
}
func (f *fakeStore) AnnotationsByChange(ctx context.Context, versionFrom, versionTo string) ([]store.Annotation, error) {
	if f.annotationsByChangeFn != nil {
		return f.annotationsByChangeFn(ctx, versionFrom, versionTo)
	}
	return nil, nil
}
func (f *fakeStore) Ping(context.Context) error { return nil }

// sliceIter is a slice-backed store.VersionIter for tests.
type sliceIter struct {
	versions []store.Version
	pos      int
}

func (it *sliceIter) Next() bool {
	if it.pos >= len(it.versions) {
		return false
	}
	it.pos++
	return true
}
func (it *sliceIter) Version() store.Version { return it.versions[it.pos-1] }
func (it *sliceIter) Err() error             { return nil }
func (it *sliceIter) Close() error           { return nil }

type fakePayloadStore struct {
	blobs  map[string][]byte
	writes []struct {
		kind string
		body []byte
	}
}

func (f *fakePayloadStore) Read(_ context.Context, locator string) ([]byte, error) {
	body, ok := f.blobs[locator]
	if !ok {
		return nil, store.ErrNotFound
	}
	return body, nil
}

func (f *fakePayloadStore) Write(_ context.Context, kind string, body []byte) (string, error) {
	f.writes = append(f.writes, struct {
		kind string
		body []byte
	}{kind, body})
	locator := "file:///payloads/" + kind + "/stored"
	if f.blobs == nil {
		f.blobs = make(map[string][]byte)
	}
	f.blobs[locator] = body
	return locator, nil
}

type fakeDiffer struct {
	diffVersionFn func(context.Context, string) (string, error)
}

func (f *fakeDiffer) DiffVersion(ctx context.Context, versionID string) (string, error) {
	if f.diffVersionFn != nil {
		return f.diffVersionFn(ctx, versionID)
	}
	return "diff-1", nil
}
func (f *fakeDiffer) ProcessPending(context.Context) (int, error) { return 0, nil }

func newTestService(db *fakeStore, payloads *fakePayloadStore, workQueue queue.Queue) *Service {
	if payloads == nil {
		payloads = &fakePayloadStore{}
	}
	if workQueue == nil {
		workQueue = queue.NewMemory()
	}
	return New(config.Config{}, db, payloads, &fakeDiffer{}, workQueue, nil)
}

func TestCreatePageRequiresURL(t *testing.T) {
	service := newTestService(&fakeStore{}, nil, nil)

	_, err := service.CreatePage(context.Background(), CreatePageInput{URL: "   "})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	if domainErr.Status != http.StatusBadRequest || domainErr.Code != "INVALID_URL" {
		t.Errorf("unexpected error: %+v", domainErr)
	}
}

func TestCreatePage(t *testing.T) {
	db := &fakeStore{
		insertPageFn: func(_ context.Context, url, title, agency, site string) (string, error) {
			if url != "https://epa.gov/climate" {
				t.Errorf("unexpected url %q", url)
			}
			return "pg-42", nil
		},
		getPageFn: func(_ context.Context, pageID string) (store.Page, error) {
			return store.Page{ID: pageID, URL: "https://epa.gov/climate"}, nil
		},
	}
	service := newTestService(db, nil, nil)

	page, err := service.CreatePage(context.Background(), CreatePageInput{URL: "https://epa.gov/climate"})
	if err != nil {
		t.Fatalf("CreatePage failed: %v", err)
	}
	if page.ID != "pg-42" {
		t.Errorf("expected pg-42, got %s", page.ID)
	}
}

func TestCreateVersionStoresInlineBody(t *testing.T) {
	var gotURI, gotHash string
	db := &fakeStore{
		insertVersionFn: func(_ context.Context, _ string, _ time.Time, uri, versionHash, _ string, _ json.RawMessage) (string, error) {
			gotURI = uri
			gotHash = versionHash
			return "v-1", nil
		},
	}
	payloads := &fakePayloadStore{}
	service := newTestService(db, payloads, nil)

	_, err := service.CreateVersion(context.Background(), CreateVersionInput{
		PageID:      "pg-1",
		CaptureTime: time.Now(),
		Body:        "<html>captured</html>",
	})
	if err != nil {
		t.Fatalf("CreateVersion failed: %v", err)
	}

	if len(payloads.writes) != 1 || payloads.writes[0].kind != "captures" {
		t.Fatalf("expected one captures write, got %+v", payloads.writes)
	}
	if gotURI != "file:///payloads/captures/stored" {
		t.Errorf("expected stored locator, got %q", gotURI)
	}
	sum := sha256.Sum256([]byte("<html>captured</html>"))
	if want := hex.EncodeToString(sum[:]); gotHash != want {
		t.Errorf("expected hash %s, got %s", want, gotHash)
	}
}

func TestCreateVersionRequiresPayload(t *testing.T) {
	service := newTestService(&fakeStore{}, nil, nil)

	_, err := service.CreateVersion(context.Background(), CreateVersionInput{
		PageID:      "pg-1",
		CaptureTime: time.Now(),
	})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	if domainErr.Code != "INVALID_PAYLOAD" {
		t.Errorf("unexpected code %s", domainErr.Code)
	}
}

func TestPageHistory(t *testing.T) {
	db := &fakeStore{
		historyFn: func(context.Context, string) (store.VersionIter, error) {
			return &sliceIter{versions: []store.Version{{ID: "v-3"}, {ID: "v-2"}, {ID: "v-1"}}}, nil
		},
	}
	service := newTestService(db, nil, nil)

	versions, err := service.PageHistory(context.Background(), "pg-1")
	if err != nil {
		t.Fatalf("PageHistory failed: %v", err)
	}
	if len(versions) != 3 || versions[0].ID != "v-3" {
		t.Errorf("unexpected history: %+v", versions)
	}
}

func TestPageHistoryUnknownPage(t *testing.T) {
	db := &fakeStore{
		getPageFn: func(context.Context, string) (store.Page, error) {
			return store.Page{}, store.ErrNotFound
		},
	}
	service := newTestService(db, nil, nil)

	_, err := service.PageHistory(context.Background(), "pg-404")
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestGetDiffPayload(t *testing.T) {
	db := &fakeStore{
		getDiffFn: func(_ context.Context, diffID string) (store.Diff, error) {
			return store.Diff{ID: diffID, URI: "file:///payloads/diffs/stored"}, nil
		},
	}
	payloads := &fakePayloadStore{blobs: map[string][]byte{
		"file:///payloads/diffs/stored": []byte(`{"output": {"diffs": []}}`),
	}}
	service := newTestService(db, payloads, nil)

	body, err := service.GetDiffPayload(context.Background(), "diff-1")
	if err != nil {
		t.Fatalf("GetDiffPayload failed: %v", err)
	}
	if string(body) != `{"output": {"diffs": []}}` {
		t.Errorf("unexpected payload: %s", body)
	}
}

func TestCreateAnnotationRetiresQueuedDiffs(t *testing.T) {
	db := &fakeStore{
		listDiffsByChangeFn: func(context.Context, string, string) ([]store.Diff, error) {
			return []store.Diff{{ID: "diff-1"}}, nil
		},
	}
	workQueue := queue.NewMemory()
	ctx := context.Background()
	if err := workQueue.Enqueue(ctx, "diff-1", 0); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	service := newTestService(db, nil, workQueue)

	annotation, err := service.CreateAnnotation(ctx, CreateAnnotationInput{
		VersionFrom: "v-1",
		VersionTo:   "v-2",
		Annotation:  json.RawMessage(`{"significance": 0.8}`),
		Author:      "alice",
	})
	if err != nil {
		t.Fatalf("CreateAnnotation failed: %v", err)
	}
	if annotation.ID != "ann-1" {
		t.Errorf("expected ann-1, got %s", annotation.ID)
	}

	_, total, err := workQueue.Counts(ctx)
	if err != nil {
		t.Fatalf("Counts failed: %v", err)
	}
	if total != 0 {
		t.Errorf("expected annotated diff removed from queue, got %d outstanding", total)
	}
}

func TestCreateAnnotationValidation(t *testing.T) {
	service := newTestService(&fakeStore{}, nil, nil)
	ctx := context.Background()

	_, err := service.CreateAnnotation(ctx, CreateAnnotationInput{VersionTo: "v-2", Author: "alice"})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "INVALID_PAIR" {
		t.Errorf("expected INVALID_PAIR, got %v", err)
	}

	_, err = service.CreateAnnotation(ctx, CreateAnnotationInput{VersionFrom: "v-1", VersionTo: "v-2"})
	if !errors.As(err, &domainErr) || domainErr.Code != "INVALID_AUTHOR" {
		t.Errorf("expected INVALID_AUTHOR, got %v", err)
	}
}

func TestCheckoutFlow(t *testing.T) {
	workQueue := queue.NewMemory()
	ctx := context.Background()
	if err := workQueue.Enqueue(ctx, "diff-1", 0); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	service := newTestService(&fakeStore{}, nil, workQueue)

	diff, err := service.CheckoutNext(ctx, "alice")
	if err != nil {
		t.Fatalf("CheckoutNext failed: %v", err)
	}
	if diff.ID != "diff-1" {
		t.Errorf("expected diff-1, got %s", diff.ID)
	}

	if err := service.Checkin(ctx, "alice"); err != nil {
		t.Fatalf("Checkin failed: %v", err)
	}

	stats, err := service.QueueStats(ctx)
	if err != nil {
		t.Fatalf("QueueStats failed: %v", err)
	}
	if stats.Unclaimed != 1 || stats.Total != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestCheckoutNextRequiresReviewer(t *testing.T) {
	service := newTestService(&fakeStore{}, nil, nil)

	_, err := service.CheckoutNext(context.Background(), "  ")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "INVALID_REVIEWER" {
		t.Errorf("expected INVALID_REVIEWER, got %v", err)
	}
}

func TestBootstrapSeedsQueue(t *testing.T) {
	db := &fakeStore{
		listUnreviewedFn: func(context.Context) ([]store.Diff, error) {
			return []store.Diff{{ID: "diff-1"}, {ID: "diff-2"}}, nil
		},
	}
	workQueue := queue.NewMemory()
	service := newTestService(db, nil, workQueue)

	ctx := context.Background()
	if err := service.Bootstrap(ctx); err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}

	unclaimed, total, err := workQueue.Counts(ctx)
	if err != nil {
		t.Fatalf("Counts failed: %v", err)
	}
	if unclaimed != 2 || total != 2 {
		t.Errorf("expected 2 seeded diffs, got unclaimed=%d total=%d", unclaimed, total)
	}

	// Re-running does not duplicate entries.
	if err := service.Bootstrap(ctx); err != nil {
		t.Fatalf("second Bootstrap failed: %v", err)
	}
	_, total, err = workQueue.Counts(ctx)
	if err != nil {
		t.Fatalf("Counts failed: %v", err)
	}
	if total != 2 {
		t.Errorf("expected idempotent bootstrap, got %d", total)
	}
}

func TestMapError(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"not found", store.ErrNotFound, http.StatusNotFound, "NOT_FOUND"},
		{"empty queue", queue.ErrEmptyQueue, http.StatusNotFound, "EMPTY_QUEUE"},
		{"already claimed", queue.ErrAlreadyClaimed, http.StatusConflict, "ALREADY_CLAIMED"},
		{"no active claim", queue.ErrNoActiveClaim, http.StatusConflict, "NO_ACTIVE_CLAIM"},
		{"not queued", queue.ErrNotQueued, http.StatusNotFound, "NOT_QUEUED"},
		{"storage", &store.StorageError{Op: "get page", Err: errors.New("boom")}, http.StatusInternalServerError, "STORAGE_ERROR"},
		{"unknown", errors.New("surprise"), http.StatusInternalServerError, "INTERNAL"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			mapped := mapError(tc.err)
			if mapped.Status != tc.status {
				t.Errorf("expected status %d, got %d", tc.status, mapped.Status)
			}
			if mapped.Code != tc.code {
				t.Errorf("expected code %s, got %s", tc.code, mapped.Code)
			}
		})
	}
}
