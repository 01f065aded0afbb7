package version

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	goversion "github.com/hashicorp/go-version"
	log "github.com/sirupsen/logrus"
)

const (
	maxVersionLength = 100
	fetchTimeout     = 10 * time.Second
)

var (
	// ErrUnreachable is returned when the version endpoint could not be queried.
	ErrUnreachable = errors.New("version endpoint unreachable")
	// ErrInvalidResponse is returned when the endpoint answered with something that is not a version.
	ErrInvalidResponse = errors.New("invalid version response")
)

// Fetcher reads the latest published version from a plain text endpoint.
type Fetcher struct {
	url    string
	client *http.Client
}

// NewFetcher creates a Fetcher. A nil client means a client with a short timeout.
func NewFetcher(url string, client *http.Client) *Fetcher {
	if client == nil {
		client = &http.Client{Timeout: fetchTimeout}
	}
	return &Fetcher{url: url, client: client}
}

// URL returns the endpoint the fetcher queries.
func (f *Fetcher) URL() string {
	return f.url
}

// Fetch returns the version currently published at the endpoint.
func (f *Fetcher) Fetch(ctx context.Context) (*goversion.Version, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.Debugf("failed to close version response body: %s", err)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status code %d", ErrUnreachable, resp.StatusCode)
	}

	if resp.ContentLength > maxVersionLength {
		return nil, fmt.Errorf("%w: too large response: %d", ErrInvalidResponse, resp.ContentLength)
	}

	content, err := io.ReadAll(io.LimitReader(resp.Body, maxVersionLength+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	if len(content) > maxVersionLength {
		return nil, fmt.Errorf("%w: too large response", ErrInvalidResponse)
	}

	latest, err := goversion.NewVersion(strings.TrimSpace(string(content)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	return latest, nil
}

// Parse parses s and falls back to 0.0.0 for anything that is not a version, e.g. development builds.
func Parse(s string) *goversion.Version {
	v, err := goversion.NewVersion(s)
	if err != nil {
		v, _ = goversion.NewVersion("0.0.0")
	}
	return v
}

// IsNewer reports whether candidate supersedes current. A nil current is superseded by anything.
func IsNewer(candidate, current *goversion.Version) bool {
	if candidate == nil {
		return false
	}
	if current == nil {
		return true
	}
	return candidate.GreaterThan(current)
}
