// Package pipeline turns newly captured versions into stored diffs against
// their page's baseline and feeds them to the review queue.
package pipeline

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"pagewatch/api/internal/diffsvc"
	"pagewatch/api/internal/payload"
	"pagewatch/api/internal/store"
)

// ErrNoAncestor means the version is its page's baseline: there is nothing
// older to diff against. Expected for the first capture of every page;
// callers skip, not retry.
var ErrNoAncestor = errors.New("version has no ancestor")

type versionStore interface {
	GetVersion(ctx context.Context, versionID string) (store.Version, error)
	Oldest(ctx context.Context, pageID string) (store.Version, error)
	InsertDiff(ctx context.Context, versionFrom, versionTo, diffHash, uri, sourceType string, sourceMetadata json.RawMessage) (string, error)
	ListPendingVersions(ctx context.Context) ([]store.Version, error)
}

type comparer interface {
	Compare(ctx context.Context, html1, html2 string) (*diffsvc.Response, error)
}

type enqueuer interface {
	Enqueue(ctx context.Context, diffID string, priority float64) error
}

type Pipeline struct {
	store      versionStore
	payloads   payload.Store
	comparer   comparer
	queue      enqueuer
	sourceType string
}

func New(versions versionStore, payloads payload.Store, comparer comparer, queue enqueuer, sourceType string) *Pipeline {
	return &Pipeline{
		store:      versions,
		payloads:   payloads,
		comparer:   comparer,
		queue:      queue,
		sourceType: sourceType,
	}
}

// DiffVersion compares a version against its page's baseline, persists the
// result, and enqueues it for review. The diff body is written to payload
// storage before the index record is inserted, so a cancelled run never
// leaves an index record pointing at nothing.
func (p *Pipeline) DiffVersion(ctx context.Context, versionID string) (string, error) {
	version, err := p.store.GetVersion(ctx, versionID)
	if err != nil {
		return "", err
	}

	baseline, err := p.store.Oldest(ctx, version.PageID)
	if err != nil {
		return "", err
	}
	if baseline.ID == version.ID {
		return "", fmt.Errorf("version %s is the baseline for page %s: %w", versionID, version.PageID, ErrNoAncestor)
	}

	baselineHTML, err := p.payloads.Read(ctx, baseline.URI)
	if err != nil {
		return "", fmt.Errorf("baseline %s: %w", baseline.ID, err)
	}
	versionHTML, err := p.payloads.Read(ctx, version.URI)
	if err != nil {
		return "", fmt.Errorf("version %s: %w", version.ID, err)
	}

	result, err := p.comparer.Compare(ctx, string(baselineHTML), string(versionHTML))
	if err != nil {
		return "", err
	}

	changes, err := result.Changes()
	if err != nil {
		return "", err
	}
	diffHash, err := hashChanges(changes)
	if err != nil {
		return "", err
	}

	uri, err := p.payloads.Write(ctx, "diffs", result.Result)
	if err != nil {
		return "", fmt.Errorf("store diff body: %w", err)
	}

	metadata, err := json.Marshal(map[string]any{"elapsed": result.Elapsed})
	if err != nil {
		return "", fmt.Errorf("encode diff metadata: %w", err)
	}
	diffID, err := p.store.InsertDiff(ctx, baseline.ID, version.ID, diffHash, uri, p.sourceType, metadata)
	if err != nil {
		return "", err
	}

	if err := p.queue.Enqueue(ctx, diffID, 0); err != nil {
		// The diff record exists; bootstrap reseeds unreviewed diffs.
		return "", fmt.Errorf("enqueue diff %s: %w", diffID, err)
	}
	return diffID, nil
}

// ProcessPending diffs every version that has no diff yet. Baseline versions
// are skipped; other failures are logged and do not stop the drain. Returns
// the number of diffs produced.
func (p *Pipeline) ProcessPending(ctx context.Context) (int, error) {
	pending, err := p.store.ListPendingVersions(ctx)
	if err != nil {
		return 0, err
	}

	processed := 0
	for _, version := range pending {
		if _, err := p.DiffVersion(ctx, version.ID); err != nil {
			if errors.Is(err, ErrNoAncestor) {
				continue
			}
			log.Printf("pipeline: diff version %s: %v", version.ID, err)
			continue
		}
		processed++
	}
	return processed, nil
}

// hashChanges computes the SHA-256 of the canonical (compact) serialization
// of the change list.
func hashChanges(changes json.RawMessage) (string, error) {
	if len(changes) == 0 {
		changes = json.RawMessage("[]")
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, changes); err != nil {
		return "", fmt.Errorf("canonicalize changes: %w", err)
	}
	sum := sha256.Sum256(compact.Bytes())
	return hex.EncodeToString(sum[:]), nil
}
