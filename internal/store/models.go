package store

import (
	"encoding/json"
	"time"
)

// Page is a monitored URL with agency metadata. One Page owns many Versions.
type Page struct {
	ID        string
	URL       string
	Title     string
	Agency    string
	Site      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Version is one capture of a Page's HTML at a point in time. The Version
// with the minimum capture time for a page is its baseline.
type Version struct {
	ID             string
	PageID         string
	CaptureTime    time.Time
	URI            string
	VersionHash    string
	SourceType     string
	SourceMetadata json.RawMessage
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Diff is the stored result of comparing a page's baseline Version against a
// later Version. The diff body itself lives behind URI and is loaded
// separately; DiffHash is a SHA-256 over the body's change list.
type Diff struct {
	ID             string
	VersionFrom    string
	VersionTo      string
	DiffHash       string
	URI            string
	SourceType     string
	SourceMetadata json.RawMessage
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Annotation is a reviewer's judgment about a (version_from, version_to)
// change. Append-only; several may exist for the same pair.
type Annotation struct {
	ID          string
	VersionFrom string
	VersionTo   string
	Annotation  json.RawMessage
	Author      string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
