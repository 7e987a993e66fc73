package asset

import (
	"context"
	"errors"
	"image/color"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"reelcast/server/internal/cache"
)

func TestFetchUsesCacheAfterFirstDownload(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte("payload"))
	}))
	defer srv.Close()

	l := NewLoader(cache.NewLRU(1024, 0, nil), nil)
	for i := 0; i < 3; i++ {
		data, err := l.Fetch(context.Background(), srv.URL+"/a.jpg")
		if err != nil {
			t.Fatalf("fetch: %v", err)
		}
		if string(data) != "payload" {
			t.Fatalf("data=%q", data)
		}
	}
	if calls.Load() != 1 {
		t.Fatalf("expected one upstream call, got %d", calls.Load())
	}
}

func TestFetchRejectsOversizedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("x", 64)))
	}))
	defer srv.Close()

	l := NewLoader(nil, nil, WithMaxBytes(16))
	_, err := l.Fetch(context.Background(), srv.URL)
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
}

func TestFetchReportsBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	l := NewLoader(nil, nil)
	if _, err := l.Fetch(context.Background(), srv.URL); !errors.Is(err, ErrStatus) {
		t.Fatalf("expected ErrStatus, got %v", err)
	}
}

func TestPlaceholderIsSelfContainedAndDecodable(t *testing.T) {
	uri, err := PlaceholderDataURI(2)
	if err != nil {
		t.Fatalf("placeholder: %v", err)
	}
	if !strings.HasPrefix(uri, "data:image/png;base64,") {
		t.Fatalf("unexpected uri prefix: %.40s", uri)
	}
	l := NewLoader(nil, nil)
	data, err := l.Fetch(context.Background(), uri)
	if err != nil {
		t.Fatalf("fetch data uri: %v", err)
	}
	img, err := DecodeImage(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if img.Bounds().Dx() != PlaceholderWidth || img.Bounds().Dy() != PlaceholderHeight {
		t.Fatalf("bounds=%v", img.Bounds())
	}
	r, g, b, _ := img.At(0, 0).RGBA()
	want := placeholderPalette[2]
	if uint8(r>>8) != want.R || uint8(g>>8) != want.G || uint8(b>>8) != want.B {
		t.Fatalf("corner=%v want %v", color.RGBA{uint8(r >> 8), uint8(g >> 8), uint8(b >> 8), 0xff}, want)
	}
}

func TestDecodeDataURIPlain(t *testing.T) {
	data, err := DecodeDataURI("data:text/plain,hello%20world")
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(data) != "hello world" {
		t.Fatalf("data=%q", data)
	}
}
