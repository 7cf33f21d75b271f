package app

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"pagewatch/api/internal/config"
	"pagewatch/api/internal/payload"
	"pagewatch/api/internal/queue"
	"pagewatch/api/internal/search"
	"pagewatch/api/internal/store"
)

type CreatePageInput struct {
	URL    string `json:"url"`
	Title  string `json:"title"`
	Agency string `json:"agency"`
	Site   string `json:"site"`
}

type CreateVersionInput struct {
	PageID         string          `json:"pageId"`
	CaptureTime    time.Time       `json:"captureTime"`
	URI            string          `json:"uri"`
	Body           string          `json:"body"`
	VersionHash    string          `json:"versionHash"`
	SourceType     string          `json:"sourceType"`
	SourceMetadata json.RawMessage `json:"sourceMetadata"`
}

type CreateAnnotationInput struct {
	VersionFrom string          `json:"versionFrom"`
	VersionTo   string          `json:"versionTo"`
	Annotation  json.RawMessage `json:"annotation"`
	Author      string          `json:"author"`
}

type QueueStats struct {
	Unclaimed int `json:"unclaimed"`
	Total     int `json:"total"`
}

type dataStore interface {
	InsertPage(ctx context.Context, url, title, agency, site string) (string, error)
	GetPage(ctx context.Context, pageID string) (store.Page, error)
	GetPageByURL(ctx context.Context, url string) (store.Page, error)
	InsertVersion(ctx context.Context, pageID string, captureTime time.Time, uri, versionHash, sourceType string, sourceMetadata json.RawMessage) (string, error)
	GetVersion(ctx context.Context, versionID string) (store.Version, error)
	History(ctx context.Context, pageID string) (store.VersionIter, error)
	Oldest(ctx context.Context, pageID string) (store.Version, error)
	GetDiff(ctx context.Context, diffID string) (store.Diff, error)
	ListDiffsByChange(ctx context.Context, versionFrom, versionTo string) ([]store.Diff, error)
	ListUnreviewedDiffs(ctx context.Context) ([]store.Diff, error)
	InsertAnnotation(ctx context.Context, versionFrom, versionTo string, annotation json.RawMessage, author string) (string, error)
	GetAnnotation(ctx context.Context, annotationID string) (store.Annotation, error)
	AnnotationsByChange(ctx context.Context, versionFrom, versionTo string) ([]store.Annotation, error)
	Ping(ctx context.Context) error
}

type differ interface {
	DiffVersion(ctx context.Context, versionID string) (string, error)
	ProcessPending(ctx context.Context) (int, error)
}

type Service struct {
	cfg      config.Config
	db       dataStore
	payloads payload.Store
	pipeline differ
	queue    queue.Queue
	search   *search.Service
}

func New(cfg config.Config, db dataStore, payloads payload.Store, pipe differ, workQueue queue.Queue, searchService *search.Service) *Service {
	return &Service{
		cfg:      cfg,
		db:       db,
		payloads: payloads,
		pipeline: pipe,
		queue:    workQueue,
		search:   searchService,
	}
}

// Bootstrap seeds the work queue with every diff that has no annotation yet
// and refreshes the page search index. Safe to re-run on every start.
func (s *Service) Bootstrap(ctx context.Context) error {
	diffs, err := s.db.ListUnreviewedDiffs(ctx)
	if err != nil {
		return err
	}
	for _, diff := range diffs {
		if err := s.queue.Enqueue(ctx, diff.ID, 0); err != nil {
			return err
		}
	}
	if s.search != nil {
		s.search.ReindexAll(ctx)
	}
	return nil
}

func (s *Service) CreatePage(ctx context.Context, input CreatePageInput) (store.Page, error) {
	if strings.TrimSpace(input.URL) == "" {
		return store.Page{}, domainError(http.StatusBadRequest, "INVALID_URL", "url is required", nil)
	}
	pageID, err := s.db.InsertPage(ctx, input.URL, input.Title, input.Agency, input.Site)
	if err != nil {
		return store.Page{}, err
	}
	page, err := s.db.GetPage(ctx, pageID)
	if err != nil {
		return store.Page{}, err
	}
	if s.search != nil {
		s.search.IndexPage(search.PageRecord{
			ID:     page.ID,
			URL:    page.URL,
			Title:  page.Title,
			Agency: page.Agency,
			Site:   page.Site,
		})
	}
	return page, nil
}

func (s *Service) GetPage(ctx context.Context, pageID string) (store.Page, error) {
	return s.db.GetPage(ctx, pageID)
}

func (s *Service) GetPageByURL(ctx context.Context, url string) (store.Page, error) {
	return s.db.GetPageByURL(ctx, url)
}

// PageHistory drains the lineage cursor into a slice for transport. The page
// must exist even if it has no versions yet.
func (s *Service) PageHistory(ctx context.Context, pageID string) ([]store.Version, error) {
	if _, err := s.db.GetPage(ctx, pageID); err != nil {
		return nil, err
	}
	iter, err := s.db.History(ctx, pageID)
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	versions := make([]store.Version, 0)
	for iter.Next() {
		versions = append(versions, iter.Version())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return versions, nil
}

func (s *Service) OldestVersion(ctx context.Context, pageID string) (store.Version, error) {
	return s.db.Oldest(ctx, pageID)
}

func (s *Service) CreateVersion(ctx context.Context, input CreateVersionInput) (store.Version, error) {
	if input.PageID == "" {
		return store.Version{}, domainError(http.StatusBadRequest, "INVALID_PAGE_ID", "pageId is required", nil)
	}
	if input.CaptureTime.IsZero() {
		return store.Version{}, domainError(http.StatusBadRequest, "INVALID_CAPTURE_TIME", "captureTime is required", nil)
	}
	if input.URI == "" && input.Body == "" {
		return store.Version{}, domainError(http.StatusBadRequest, "INVALID_PAYLOAD", "uri or body is required", nil)
	}
	if _, err := s.db.GetPage(ctx, input.PageID); err != nil {
		return store.Version{}, err
	}

	uri := input.URI
	versionHash := input.VersionHash
	if input.Body != "" {
		sum := sha256.Sum256([]byte(input.Body))
		versionHash = hex.EncodeToString(sum[:])
		stored, err := s.payloads.Write(ctx, "captures", []byte(input.Body))
		if err != nil {
			return store.Version{}, err
		}
		uri = stored
	}

	versionID, err := s.db.InsertVersion(ctx, input.PageID, input.CaptureTime, uri, versionHash, input.SourceType, input.SourceMetadata)
	if err != nil {
		return store.Version{}, err
	}
	return s.db.GetVersion(ctx, versionID)
}

func (s *Service) GetVersion(ctx context.Context, versionID string) (store.Version, error) {
	return s.db.GetVersion(ctx, versionID)
}

// DiffVersion runs the diff pipeline for one version and returns the stored
// index record.
func (s *Service) DiffVersion(ctx context.Context, versionID string) (store.Diff, error) {
	diffID, err := s.pipeline.DiffVersion(ctx, versionID)
	if err != nil {
		return store.Diff{}, err
	}
	return s.db.GetDiff(ctx, diffID)
}

// ProcessPending diffs every version not yet compared to its baseline.
func (s *Service) ProcessPending(ctx context.Context) (int, error) {
	return s.pipeline.ProcessPending(ctx)
}

// GetDiff returns diff metadata only; the body is fetched separately via
// GetDiffPayload.
func (s *Service) GetDiff(ctx context.Context, diffID string) (store.Diff, error) {
	return s.db.GetDiff(ctx, diffID)
}

// GetDiffPayload fetches the diff body behind the index record's locator.
func (s *Service) GetDiffPayload(ctx context.Context, diffID string) ([]byte, error) {
	diff, err := s.db.GetDiff(ctx, diffID)
	if err != nil {
		return nil, err
	}
	return s.payloads.Read(ctx, diff.URI)
}

// CreateAnnotation records a reviewer judgment for a version pair and
// retires the pair's diffs from the work queue (releasing any claim).
func (s *Service) CreateAnnotation(ctx context.Context, input CreateAnnotationInput) (store.Annotation, error) {
	if input.VersionFrom == "" || input.VersionTo == "" {
		return store.Annotation{}, domainError(http.StatusBadRequest, "INVALID_PAIR", "versionFrom and versionTo are required", nil)
	}
	if strings.TrimSpace(input.Author) == "" {
		return store.Annotation{}, domainError(http.StatusBadRequest, "INVALID_AUTHOR", "author is required", nil)
	}
	if _, err := s.db.GetVersion(ctx, input.VersionFrom); err != nil {
		return store.Annotation{}, err
	}
	if _, err := s.db.GetVersion(ctx, input.VersionTo); err != nil {
		return store.Annotation{}, err
	}

	annotationID, err := s.db.InsertAnnotation(ctx, input.VersionFrom, input.VersionTo, input.Annotation, input.Author)
	if err != nil {
		return store.Annotation{}, err
	}

	diffs, err := s.db.ListDiffsByChange(ctx, input.VersionFrom, input.VersionTo)
	if err != nil {
		return store.Annotation{}, err
	}
	for _, diff := range diffs {
		if err := s.queue.Remove(ctx, diff.ID); err != nil {
			return store.Annotation{}, err
		}
	}

	return s.db.GetAnnotation(ctx, annotationID)
}

func (s *Service) AnnotationsByChange(ctx context.Context, versionFrom, versionTo string) ([]store.Annotation, error) {
	return s.db.AnnotationsByChange(ctx, versionFrom, versionTo)
}

// CheckoutNext claims the highest-priority unclaimed diff for a reviewer and
// returns its index record.
func (s *Service) CheckoutNext(ctx context.Context, reviewerID string) (store.Diff, error) {
	if strings.TrimSpace(reviewerID) == "" {
		return store.Diff{}, domainError(http.StatusBadRequest, "INVALID_REVIEWER", "reviewerId is required", nil)
	}
	diffID, err := s.queue.CheckoutNext(ctx, reviewerID)
	if err != nil {
		return store.Diff{}, err
	}
	return s.db.GetDiff(ctx, diffID)
}

// Checkout claims a specific diff for a reviewer.
func (s *Service) Checkout(ctx context.Context, reviewerID, diffID string) (store.Diff, error) {
	if strings.TrimSpace(reviewerID) == "" {
		return store.Diff{}, domainError(http.StatusBadRequest, "INVALID_REVIEWER", "reviewerId is required", nil)
	}
	if err := s.queue.Checkout(ctx, reviewerID, diffID); err != nil {
		return store.Diff{}, err
	}
	return s.db.GetDiff(ctx, diffID)
}

// Checkin releases the reviewer's current claim back to the pending pool.
func (s *Service) Checkin(ctx context.Context, reviewerID string) error {
	if strings.TrimSpace(reviewerID) == "" {
		return domainError(http.StatusBadRequest, "INVALID_REVIEWER", "reviewerId is required", nil)
	}
	return s.queue.Checkin(ctx, reviewerID)
}

func (s *Service) QueueStats(ctx context.Context) (QueueStats, error) {
	unclaimed, total, err := s.queue.Counts(ctx)
	if err != nil {
		return QueueStats{}, err
	}
	return QueueStats{Unclaimed: unclaimed, Total: total}, nil
}

func (s *Service) SearchPages(q search.Query) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}
	}
	return s.search.Search(q)
}

// Ping verifies storage connectivity for readiness checks.
func (s *Service) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}
