package filesink

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/gwy15/ddpanel/internal/broadcast"
	"github.com/gwy15/ddpanel/internal/metrics"
)

func TestResolvePathSubstitutesSentinel(t *testing.T) {
	got := resolvePath("recorded-%.json.gz", "2026-07-31")
	want := "recorded-2026-07-31.json.gz"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestResolvePathWithoutSentinelIsUnchanged(t *testing.T) {
	got := resolvePath("fixed.json", "2026-07-31")
	if got != "fixed.json" {
		t.Fatalf("expected unchanged path, got %q", got)
	}
}

type record struct {
	Value int `json:"value"`
}

func TestRunWritesItemsAndClosesOnBroadcastClose(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out-%.json")

	src := broadcast.New[record](8)
	sink := New(path, src, metrics.New(), zap.NewNop())

	done := make(chan error, 1)
	go func() { done <- sink.Run(context.Background()) }()

	src.Send(record{Value: 1})
	src.Send(record{Value: 2})
	src.Close()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for sink to finish")
	}

	resolved := resolvePath(path, currentDate())
	f, err := os.Open(resolved)
	if err != nil {
		t.Fatalf("open output file: %v", err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %v", len(lines), lines)
	}
	if !strings.Contains(lines[0], `"value":1`) {
		t.Fatalf("unexpected first line: %s", lines[0])
	}
}

func TestGzipSuffixProducesGzippedOutput(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out-%.json.gz")

	src := broadcast.New[record](8)
	sink := New(path, src, metrics.New(), zap.NewNop())

	done := make(chan error, 1)
	go func() { done <- sink.Run(context.Background()) }()

	src.Send(record{Value: 7})
	src.Close()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out")
	}

	resolved := resolvePath(path, currentDate())
	info, err := os.Stat(resolved)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Size() == 0 {
		t.Fatal("expected non-empty gzip file")
	}
}
