package crawler

import (
	"context"
	"io"
	"time"
)

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// Extractor turns one listing page into postings. It never fails; markup it
// cannot understand yields fewer or no postings.
type Extractor interface {
	Extract(html []byte, sourceURL string) []Posting
}

// StopPolicy decides whether pagination continues after a page.
type StopPolicy interface {
	Decide(postings []Posting) Decision
}

// BlobStore writes artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes run notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// RecordMirror copies merged records to a secondary store.
type RecordMirror interface {
	UpsertRecords(ctx context.Context, records []JobRecord) error
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}

// Pauser sleeps for delay or until ctx is done.
type Pauser interface {
	Pause(ctx context.Context, delay time.Duration) error
}
