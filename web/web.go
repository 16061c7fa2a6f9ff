// Package web provides guild discovery: a feed of joinable guild candidates
// matched against AutoGuild patterns. The browser side of joining is behind
// a capability function so deployments without one still get the feed.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// ErrEndOfFeed is returned by NextCandidate once the feed is exhausted.
var ErrEndOfFeed = errors.New("guild feed exhausted")

// ErrJoinUnsupported is returned by Join when no joiner capability was
// configured.
var ErrJoinUnsupported = errors.New("guild joining not configured")

// Candidate is one discoverable guild.
type Candidate struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Invite string `json:"invite"`
}

// Discovery feeds guild candidates and joins them on request.
type Discovery interface {
	Open(ctx context.Context) error
	NextCandidate(ctx context.Context) (Candidate, error)
	Join(ctx context.Context, c Candidate) error
	Close() error
}

// Joiner accepts an invite on behalf of the running account.
type Joiner func(ctx context.Context, invite string) error

// PagerConfig configures a DirectoryPager.
type PagerConfig struct {
	BaseURL  string        // listing endpoint, e.g. https://discords.example/api/guilds
	Prompt   string        // search term sent as the q parameter
	PageSize int           // defaults to 50
	Timeout  time.Duration // per-request, defaults to 15s
	Joiner   Joiner        // optional
}

// DirectoryPager walks a top.gg style listing API page by page.
type DirectoryPager struct {
	cfg    PagerConfig
	client *http.Client

	page    int
	pending []Candidate
	done    bool
}

// NewDirectoryPager creates a pager over the given listing API.
func NewDirectoryPager(cfg PagerConfig) *DirectoryPager {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 50
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &DirectoryPager{cfg: cfg}
}

// Open validates the configuration and prepares the HTTP client.
func (p *DirectoryPager) Open(_ context.Context) error {
	if _, err := url.Parse(p.cfg.BaseURL); err != nil || p.cfg.BaseURL == "" {
		return fmt.Errorf("invalid guild listing URL %q: %w", p.cfg.BaseURL, err)
	}
	p.client = &http.Client{Timeout: p.cfg.Timeout}
	return nil
}

// NextCandidate returns the next guild in the feed, fetching the next page
// when the buffered one runs out. Returns ErrEndOfFeed once the listing has
// no more pages.
func (p *DirectoryPager) NextCandidate(ctx context.Context) (Candidate, error) {
	if len(p.pending) == 0 {
		if p.done {
			return Candidate{}, ErrEndOfFeed
		}
		if err := p.fetchPage(ctx); err != nil {
			return Candidate{}, err
		}
		if len(p.pending) == 0 {
			p.done = true
			return Candidate{}, ErrEndOfFeed
		}
	}
	c := p.pending[0]
	p.pending = p.pending[1:]
	return c, nil
}

func (p *DirectoryPager) fetchPage(ctx context.Context) error {
	q := url.Values{}
	q.Set("q", p.cfg.Prompt)
	q.Set("page", strconv.Itoa(p.page))
	q.Set("limit", strconv.Itoa(p.cfg.PageSize))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.BaseURL+"?"+q.Encode(), nil)
	if err != nil {
		return fmt.Errorf("failed to build listing request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("guild listing request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("guild listing returned status %d", resp.StatusCode)
	}

	var body struct {
		Guilds []Candidate `json:"guilds"`
		Total  int         `json:"total"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("failed to decode guild listing: %w", err)
	}

	p.pending = append(p.pending, body.Guilds...)
	p.page++
	if len(body.Guilds) < p.cfg.PageSize {
		p.done = true
	}
	return nil
}

// Join accepts the candidate's invite through the configured joiner.
func (p *DirectoryPager) Join(ctx context.Context, c Candidate) error {
	if p.cfg.Joiner == nil {
		return ErrJoinUnsupported
	}
	return p.cfg.Joiner(ctx, c.Invite)
}

// Close releases the pager. Idle HTTP connections are dropped so a closed
// discovery holds no sockets.
func (p *DirectoryPager) Close() error {
	if p.client != nil {
		p.client.CloseIdleConnections()
	}
	return nil
}
