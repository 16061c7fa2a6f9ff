package discord

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
)

func restError(status int) error {
	return &discordgo.RESTError{Response: &http.Response{StatusCode: status}}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want ErrorKind
	}{
		{restError(http.StatusForbidden), KindForbidden},
		{restError(http.StatusNotFound), KindNotFound},
		{restError(http.StatusTooManyRequests), KindRateLimited},
		{restError(http.StatusUnauthorized), KindUnauthorized},
		{restError(http.StatusInternalServerError), KindOther},
		{&discordgo.RateLimitError{}, KindRateLimited},
		{errors.New("connection reset"), KindOther},
	}
	for _, tc := range cases {
		if got := Classify(tc.err); got != tc.want {
			t.Errorf("Classify(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}

func TestWrapSend(t *testing.T) {
	err := WrapSend("123", restError(http.StatusForbidden))
	if err.Kind != KindForbidden || err.ChannelID != "123" {
		t.Fatalf("wrapped = %+v", err)
	}

	var rest *discordgo.RESTError
	if !errors.As(err, &rest) {
		t.Fatal("wrapping hid the underlying API error")
	}

	// Re-wrapping an already wrapped error keeps the original context.
	again := WrapSend("456", err)
	if again.ChannelID != "123" {
		t.Fatalf("rewrap channel = %q, want the original kept", again.ChannelID)
	}
}

func TestWrapSendCarriesRetryAfter(t *testing.T) {
	limited := &discordgo.RateLimitError{RateLimit: &discordgo.RateLimit{
		TooManyRequests: &discordgo.TooManyRequests{RetryAfter: 3 * time.Second},
	}}
	serr := WrapSend("123", limited)
	if serr.Kind != KindRateLimited {
		t.Fatalf("kind = %s, want %s", serr.Kind, KindRateLimited)
	}
	if serr.RetryAfter != 3*time.Second {
		t.Fatalf("retry after = %s, want 3s", serr.RetryAfter)
	}

	// A bare 429 response and an empty rate-limit error carry no penalty.
	if serr := WrapSend("123", restError(http.StatusTooManyRequests)); serr.RetryAfter != 0 {
		t.Fatalf("bare 429 retry after = %s, want 0", serr.RetryAfter)
	}
	if serr := WrapSend("123", &discordgo.RateLimitError{}); serr.RetryAfter != 0 {
		t.Fatalf("empty rate limit retry after = %s, want 0", serr.RetryAfter)
	}
}

func writeDCA(t *testing.T, frames [][]byte) string {
	t.Helper()
	var buf bytes.Buffer
	for _, frame := range frames {
		if err := binary.Write(&buf, binary.LittleEndian, int16(len(frame))); err != nil {
			t.Fatalf("write frame length: %v", err)
		}
		buf.Write(frame)
	}
	path := filepath.Join(t.TempDir(), "sample.dca")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write dca file: %v", err)
	}
	return path
}

func TestDCAFileSourceReadsFrames(t *testing.T) {
	frames := [][]byte{
		{0x01, 0x02, 0x03},
		{0xff},
		{0x10, 0x20, 0x30, 0x40},
	}
	src := NewDCAFileSource(writeDCA(t, frames))
	if err := src.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { src.Close() })

	for i, want := range frames {
		got, err := src.NextFrame()
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("frame %d = %x, want %x", i, got, want)
		}
	}
	if _, err := src.NextFrame(); !errors.Is(err, io.EOF) {
		t.Fatalf("after last frame err = %v, want io.EOF", err)
	}
}

func TestDCAFileSourceEmptyFile(t *testing.T) {
	src := NewDCAFileSource(writeDCA(t, nil))
	if err := src.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { src.Close() })

	if _, err := src.NextFrame(); !errors.Is(err, io.EOF) {
		t.Fatalf("err = %v, want io.EOF", err)
	}
}

func TestDCAFileSourceDescription(t *testing.T) {
	src := NewDCAFileSource("/srv/audio/announcement.dca")
	if src.Description() != "announcement.dca" {
		t.Fatalf("description = %q", src.Description())
	}
}

func TestDCAFileSourceMissingFile(t *testing.T) {
	src := NewDCAFileSource(filepath.Join(t.TempDir(), "missing.dca"))
	if err := src.Open(); err == nil {
		t.Fatal("expected opening a missing file to fail")
	}
}

func TestChannelCacheRoundTrip(t *testing.T) {
	cache, err := NewChannelCache(context.Background(), time.Minute)
	if err != nil {
		t.Fatalf("NewChannelCache: %v", err)
	}
	t.Cleanup(func() { cache.Close() })

	channels := []*discordgo.Channel{
		{ID: "1", Name: "general", Type: discordgo.ChannelTypeGuildText},
		{ID: "2", Name: "lounge", Type: discordgo.ChannelTypeGuildVoice},
	}
	if err := cache.Set("g1", channels); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, ok := cache.Get("g1")
	if !ok {
		t.Fatal("cache miss for a freshly set entry")
	}
	if len(got) != 2 || got[0].ID != "1" || got[1].Name != "lounge" {
		t.Fatalf("cached channels = %+v", got)
	}

	if _, ok := cache.Get("unknown"); ok {
		t.Fatal("cache hit for a guild never set")
	}

	cache.Invalidate("g1")
	if _, ok := cache.Get("g1"); ok {
		t.Fatal("cache hit after invalidation")
	}
}
