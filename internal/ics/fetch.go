package ics

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	neturl "net/url"
	"os"
	"path/filepath"
	"time"

	appLog "backstage/internal/log"
)

// Source is one subscribed calendar plus the tags applied to its events.
type Source struct {
	ID  string
	URL string

	SourceType string
	SourceName string
	// EventType is used for events without a STATUS or category of their own.
	EventType string
}

// FetchResult is one feed body, fresh or cached.
type FetchResult struct {
	Source    Source
	Body      []byte
	FromCache bool
	// Stale is set when the cached body stands in for a failed request.
	Stale bool
}

// ErrNoCachedBody is returned when the server answers 304 but nothing is cached.
var ErrNoCachedBody = errors.New("ics: 304 Not Modified without cached body")

const userAgent = "backstage-ics/1"

// Fetcher downloads feeds and revalidates them against an on-disk copy.
type Fetcher struct {
	client   *http.Client
	cacheDir string
}

// NewFetcher creates a Fetcher. An empty cacheDir falls back to ./var/ics-cache.
func NewFetcher(cacheDir string) *Fetcher {
	if cacheDir == "" {
		cacheDir = "./var/ics-cache"
	}
	return &Fetcher{
		client:   &http.Client{Timeout: 15 * time.Second},
		cacheDir: cacheDir,
	}
}

// WithClient replaces the HTTP client, mainly for tests.
func (f *Fetcher) WithClient(c *http.Client) *Fetcher {
	f.client = c
	return f
}

// FetchAll fetches every source in order. Failed sources are left out of the
// results and reported in the error slice.
func (f *Fetcher) FetchAll(ctx context.Context, sources []Source) ([]FetchResult, []error) {
	results := make([]FetchResult, 0, len(sources))
	var errs []error

	for _, src := range sources {
		res, err := f.FetchOne(ctx, src)
		if err != nil {
			errs = append(errs, fmt.Errorf("ics: feed %q: %w", src.ID, err))
			appLog.Error("feed unavailable", err, "id", src.ID, "url", redactURL(src.URL))
			continue
		}
		results = append(results, res)
	}
	return results, errs
}

// FetchOne downloads one source with conditional headers. When the request
// fails or the server answers with an error the stored copy is served as stale.
func (f *Fetcher) FetchOne(ctx context.Context, src Source) (FetchResult, error) {
	if src.URL == "" {
		return FetchResult{}, errors.New("ics: source URL is empty")
	}

	store := f.storeFor(src.URL)
	if err := os.MkdirAll(store.dir, 0o700); err != nil {
		return FetchResult{}, err
	}
	validators, stored := store.load()

	resp, err := f.get(ctx, src.URL, validators)
	if err != nil {
		return serveStale(src, stored, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNotModified:
		if len(stored) == 0 {
			return FetchResult{}, ErrNoCachedBody
		}
		appLog.Debug("feed unchanged", "id", src.ID)
		return FetchResult{Source: src, Body: stored, FromCache: true}, nil

	case http.StatusOK:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return serveStale(src, stored, err)
		}
		next := validatorSet{
			URL:          src.URL,
			ETag:         resp.Header.Get("ETag"),
			LastModified: resp.Header.Get("Last-Modified"),
		}
		if err := store.save(next, body); err != nil {
			appLog.Error("feed copy not stored", err, "id", src.ID)
		}
		appLog.Info("feed downloaded", "id", src.ID, "bytes", len(body))
		return FetchResult{Source: src, Body: body}, nil

	default:
		return serveStale(src, stored, fmt.Errorf("ics: unexpected status %s", resp.Status))
	}
}

func (f *Fetcher) get(ctx context.Context, url string, v validatorSet) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/calendar")
	req.Header.Set("User-Agent", userAgent)
	if v.ETag != "" {
		req.Header.Set("If-None-Match", v.ETag)
	}
	if v.LastModified != "" {
		req.Header.Set("If-Modified-Since", v.LastModified)
	}
	appLog.Debug("feed request", "url", redactURL(url), "conditional", v.ETag != "" || v.LastModified != "")
	return f.client.Do(req)
}

func serveStale(src Source, stored []byte, cause error) (FetchResult, error) {
	if len(stored) == 0 {
		return FetchResult{}, cause
	}
	appLog.Error("feed request failed, serving stored copy", cause, "id", src.ID, "url", redactURL(src.URL))
	return FetchResult{Source: src, Body: stored, FromCache: true, Stale: true}, nil
}

// validatorSet is the meta.json next to a stored feed body.
type validatorSet struct {
	URL          string    `json:"url"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	StoredAt     time.Time `json:"stored_at"`
}

// feedStore is the directory holding one feed's last good body.
type feedStore struct {
	dir string
}

func (f *Fetcher) storeFor(url string) feedStore {
	sum := sha256.Sum256([]byte(url))
	return feedStore{dir: filepath.Join(f.cacheDir, hex.EncodeToString(sum[:8]))}
}

// load returns whatever is stored; missing or corrupt files read as empty.
func (s feedStore) load() (validatorSet, []byte) {
	var v validatorSet
	if data, err := os.ReadFile(filepath.Join(s.dir, "meta.json")); err == nil {
		if json.Unmarshal(data, &v) != nil {
			v = validatorSet{}
		}
	}
	body, _ := os.ReadFile(filepath.Join(s.dir, "body.ics"))
	return v, body
}

func (s feedStore) save(v validatorSet, body []byte) error {
	if err := os.WriteFile(filepath.Join(s.dir, "body.ics"), body, 0o600); err != nil {
		return err
	}
	v.StoredAt = time.Now().UTC()
	data, err := json.MarshalIndent(&v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(s.dir, "meta.json"), data, 0o600)
}

// redactURL keeps only scheme and host; feed URLs often embed private tokens.
func redactURL(u string) string {
	parsed, err := neturl.Parse(u)
	if err != nil || parsed.Host == "" {
		return "ics://...(redacted)"
	}
	return parsed.Scheme + "://" + parsed.Host + "/...(redacted)"
}
