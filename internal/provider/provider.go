// Package provider holds the external collaborators of the pipeline: image
// search, stock video search and speech synthesis.
package provider

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"time"

	"reelcast/server/internal/clock"
	"reelcast/server/internal/model"
)

type Error struct {
	Category        string
	Code            string
	Retryable       bool
	UserMessage     string
	InternalMessage string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s/%s: %s", e.Category, e.Code, e.InternalMessage)
}

type SearchOptions struct {
	Count  int
	Safety string
}

type ImageSearcher interface {
	Search(ctx context.Context, query string, opts SearchOptions) ([]model.ImageCandidate, error)
}

type VideoSearcher interface {
	// SearchForChapter returns a stock video URL, or ok=false when nothing fits.
	SearchForChapter(ctx context.Context, text, orientation string) (url string, ok bool, err error)
}

type AudioBlob struct {
	Data        []byte
	ContentType string
}

type Speaker interface {
	// Synthesize speaks text. An empty voice selects the provider default.
	Synthesize(ctx context.Context, text, voice string) (AudioBlob, error)
	Name() string
}

const maxAttempts = 3

// Retry runs op until it succeeds, fails with a non-retryable error or
// maxAttempts is reached. Backoff waits go through clk.
func Retry(ctx context.Context, clk clock.Clock, op func(context.Context) error) error {
	if clk == nil {
		clk = clock.Real{}
	}
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = op(ctx)
		if err == nil {
			return nil
		}
		var perr *Error
		if !errors.As(err, &perr) || !perr.Retryable || attempt == maxAttempts {
			return err
		}
		if serr := clk.Sleep(ctx, retryBackoff(attempt)); serr != nil {
			return err
		}
	}
	return err
}

func retryBackoff(attempt int) time.Duration {
	base := time.Second << max(attempt-1, 0) // 1s, 2s, 4s...
	jitter := time.Duration(rand.Int63n(int64(base / 5)))
	return base + jitter
}

func httpError(provider string, resp *http.Response) *Error {
	e := &Error{
		Category:        "upstream",
		Code:            fmt.Sprintf("HTTP_%d", resp.StatusCode),
		UserMessage:     provider + " request failed",
		InternalMessage: fmt.Sprintf("%s returned %s", provider, resp.Status),
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		e.Category = "rate_limit"
		e.Retryable = true
	case resp.StatusCode >= 500:
		e.Retryable = true
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		e.Category = "auth"
	}
	return e
}

func networkError(provider string, err error) *Error {
	return &Error{
		Category:        "network",
		Code:            "UPSTREAM_UNREACHABLE",
		Retryable:       true,
		UserMessage:     provider + " unavailable",
		InternalMessage: err.Error(),
	}
}

func configError(provider, msg string) *Error {
	return &Error{
		Category:        "config",
		Code:            "NOT_CONFIGURED",
		UserMessage:     provider + " is not configured",
		InternalMessage: msg,
	}
}
