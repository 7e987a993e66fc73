package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"reelcast/server/internal/clock"
	"reelcast/server/internal/model"
)

const pexelsBaseURL = "https://api.pexels.com"

// Pexels searches photos and videos on the Pexels API. It serves both
// ImageSearcher and VideoSearcher.
type Pexels struct {
	apiKey  string
	baseURL string
	client  *http.Client
	clock   clock.Clock
}

func NewPexels(apiKey string, client *http.Client, clk clock.Clock) *Pexels {
	if client == nil {
		client = http.DefaultClient
	}
	return &Pexels{apiKey: apiKey, baseURL: pexelsBaseURL, client: client, clock: clk}
}

// WithBaseURL points the client at another host. Used by tests.
func (p *Pexels) WithBaseURL(u string) *Pexels {
	p.baseURL = strings.TrimRight(u, "/")
	return p
}

type pexelsPhoto struct {
	ID     int64  `json:"id"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	URL    string `json:"url"`
	Alt    string `json:"alt"`
	Src    struct {
		Original string `json:"original"`
		Large2x  string `json:"large2x"`
		Portrait string `json:"portrait"`
	} `json:"src"`
}

type pexelsVideo struct {
	ID         int64 `json:"id"`
	Width      int   `json:"width"`
	Height     int   `json:"height"`
	Duration   int   `json:"duration"`
	VideoFiles []struct {
		Link     string `json:"link"`
		Quality  string `json:"quality"`
		FileType string `json:"file_type"`
		Width    int    `json:"width"`
		Height   int    `json:"height"`
	} `json:"video_files"`
}

func (p *Pexels) Search(ctx context.Context, query string, opts SearchOptions) ([]model.ImageCandidate, error) {
	if p.apiKey == "" {
		return nil, configError("pexels", "missing PEXELS_API_KEY")
	}
	count := opts.Count
	if count <= 0 {
		count = 15
	}
	if count > 80 {
		count = 80
	}
	q := url.Values{}
	q.Set("query", query)
	q.Set("per_page", strconv.Itoa(count))
	q.Set("orientation", "portrait")

	var body struct {
		Photos []pexelsPhoto `json:"photos"`
	}
	if err := p.get(ctx, "/v1/search?"+q.Encode(), &body); err != nil {
		return nil, err
	}
	out := make([]model.ImageCandidate, 0, len(body.Photos))
	for _, ph := range body.Photos {
		src := ph.Src.Large2x
		if src == "" {
			src = ph.Src.Original
		}
		out = append(out, model.ImageCandidate{
			ID:     "pexels-" + strconv.FormatInt(ph.ID, 10),
			URL:    src,
			Title:  ph.Alt,
			Source: "pexels",
			Width:  ph.Width,
			Height: ph.Height,
		})
	}
	return out, nil
}

func (p *Pexels) SearchForChapter(ctx context.Context, text, orientation string) (string, bool, error) {
	if p.apiKey == "" {
		return "", false, configError("pexels", "missing PEXELS_API_KEY")
	}
	if orientation == "" {
		orientation = "portrait"
	}
	q := url.Values{}
	q.Set("query", text)
	q.Set("per_page", "5")
	q.Set("orientation", orientation)

	var body struct {
		Videos []pexelsVideo `json:"videos"`
	}
	if err := p.get(ctx, "/videos/search?"+q.Encode(), &body); err != nil {
		return "", false, err
	}
	for _, v := range body.Videos {
		best := ""
		bestHeight := 0
		for _, f := range v.VideoFiles {
			if f.FileType != "video/mp4" || f.Height > 1920 {
				continue
			}
			if f.Height > bestHeight {
				best, bestHeight = f.Link, f.Height
			}
		}
		if best != "" {
			return best, true, nil
		}
	}
	return "", false, nil
}

func (p *Pexels) get(ctx context.Context, path string, out any) error {
	return Retry(ctx, p.clock, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+path, nil)
		if err != nil {
			return fmt.Errorf("pexels: new request: %w", err)
		}
		req.Header.Set("Authorization", p.apiKey)
		resp, err := p.client.Do(req)
		if err != nil {
			return networkError("pexels", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return httpError("pexels", resp)
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &Error{
				Category:        "upstream",
				Code:            "BAD_RESPONSE",
				UserMessage:     "pexels returned an unreadable response",
				InternalMessage: err.Error(),
			}
		}
		return nil
	})
}
