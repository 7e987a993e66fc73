// Package asset loads remote binary assets through the shared cache and
// produces self-contained placeholder images.
package asset

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"reelcast/server/internal/cache"
)

const (
	DefaultTimeout  = 20 * time.Second
	DefaultMaxBytes = 64 << 20
	userAgent       = "reelcast/1.0"
)

var (
	ErrStatus   = errors.New("unexpected HTTP status")
	ErrTooLarge = errors.New("asset body too large")
)

type Loader struct {
	cache    *cache.LRU
	client   *http.Client
	timeout  time.Duration
	maxBytes int64
	logger   *slog.Logger
}

type Option func(*Loader)

func WithHTTPClient(c *http.Client) Option { return func(l *Loader) { l.client = c } }

func WithMaxBytes(n int64) Option { return func(l *Loader) { l.maxBytes = n } }

func WithTimeout(d time.Duration) Option { return func(l *Loader) { l.timeout = d } }

func NewLoader(c *cache.LRU, logger *slog.Logger, opts ...Option) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Loader{
		cache:    c,
		client:   &http.Client{},
		timeout:  DefaultTimeout,
		maxBytes: DefaultMaxBytes,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Fetch returns the bytes behind rawURL. data: URIs are decoded in place and
// never cached; http(s) URLs go through the cache.
func (l *Loader) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	if strings.HasPrefix(rawURL, "data:") {
		return DecodeDataURI(rawURL)
	}
	if l.cache != nil {
		if data, ok := l.cache.Get(rawURL); ok {
			return data, nil
		}
	}
	data, err := l.download(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	if l.cache != nil && !l.cache.Put(rawURL, data) {
		l.logger.Debug("asset_cache_skip", "url", rawURL, "bytes", len(data))
	}
	return data, nil
}

func (l *Loader) download(ctx context.Context, rawURL string) ([]byte, error) {
	if _, err := url.ParseRequestURI(rawURL); err != nil {
		return nil, fmt.Errorf("asset: invalid url %q: %w", rawURL, err)
	}
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("asset: new request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("asset: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("asset: %w %s", ErrStatus, resp.Status)
	}
	if resp.ContentLength > 0 && resp.ContentLength > l.maxBytes {
		return nil, fmt.Errorf("asset: content-length %d: %w", resp.ContentLength, ErrTooLarge)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, l.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("asset: read body: %w", err)
	}
	if int64(len(data)) > l.maxBytes {
		return nil, fmt.Errorf("asset: limit %d: %w", l.maxBytes, ErrTooLarge)
	}
	return data, nil
}

// DecodeDataURI decodes "data:<mime>[;base64],<payload>".
func DecodeDataURI(uri string) ([]byte, error) {
	rest, ok := strings.CutPrefix(uri, "data:")
	if !ok {
		return nil, fmt.Errorf("asset: not a data uri")
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return nil, fmt.Errorf("asset: malformed data uri")
	}
	if strings.HasSuffix(meta, ";base64") {
		data, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return nil, fmt.Errorf("asset: decode data uri: %w", err)
		}
		return data, nil
	}
	decoded, err := url.PathUnescape(payload)
	if err != nil {
		return nil, fmt.Errorf("asset: unescape data uri: %w", err)
	}
	return []byte(decoded), nil
}

func EncodeDataURI(mime string, data []byte) string {
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data)
}
