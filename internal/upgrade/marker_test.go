package upgrade

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteMarker(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "go-ahead")

	require.NoError(t, WriteMarker(path))
	assert.True(t, markerPresent(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(data))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temporary files left behind")

	require.NoError(t, RemoveMarker(path))
	assert.False(t, markerPresent(path))
	assert.NoError(t, RemoveMarker(path), "removing a missing marker is fine")
}

func TestMarkerPresent_RequiresContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "go-ahead")
	require.NoError(t, os.WriteFile(path, nil, 0o644))
	assert.False(t, markerPresent(path))

	require.NoError(t, os.WriteFile(path, []byte("ok\n"), 0o644))
	assert.True(t, markerPresent(path))
}

func TestAwaitGoAhead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "go-ahead")

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = WriteMarker(path)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, AwaitGoAhead(ctx, path, time.Second))
}

func TestAwaitGoAhead_AlreadyPresent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "go-ahead")
	require.NoError(t, WriteMarker(path))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, AwaitGoAhead(ctx, path, time.Second))
}

func TestAwaitGoAhead_MissingDirFallsBackToPolling(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "later")
	path := filepath.Join(dir, "go-ahead")

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = WriteMarker(path)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, AwaitGoAhead(ctx, path, 10*time.Millisecond))
}

func TestAwaitGoAhead_Timeout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "go-ahead")

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, AwaitGoAhead(ctx, path, 10*time.Millisecond), context.DeadlineExceeded)
}

func TestRunHandshake(t *testing.T) {
	path := filepath.Join(t.TempDir(), "go-ahead")
	out := newMilestoneWriter(discardLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- RunHandshake(ctx, out, path, 10*time.Millisecond) }()

	select {
	case <-out.started:
	case <-time.After(2 * time.Second):
		t.Fatal("started milestone not printed")
	}

	select {
	case <-out.proceeding:
		t.Fatal("takeover announced before the go-ahead")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, WriteMarker(path))
	require.NoError(t, <-done)

	select {
	case <-out.proceeding:
	default:
		t.Fatal("proceeding milestone not printed")
	}
}

func TestMilestoneWriter(t *testing.T) {
	w := newMilestoneWriter(discardLogger())

	_, _ = w.Write([]byte("log line\r\n<sta"))
	select {
	case <-w.started:
		t.Fatal("partial line must not count")
	default:
	}

	_, _ = w.Write([]byte("rted>\n"))
	<-w.started

	_, _ = w.Write([]byte("2026/10/19 12:00:00 <proceeding-to-takeover>\n<started>\n"))
	<-w.proceeding

	assert.Equal(t, []string{
		"log line",
		"<started>",
		"2026/10/19 12:00:00 <proceeding-to-takeover>",
		"<started>",
	}, w.Tail())

	for i := 0; i < 2*tailLines; i++ {
		_, _ = w.Write([]byte("noise\n"))
	}
	assert.Len(t, w.Tail(), tailLines)
}

func TestFetcher(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("#!/bin/sh\necho new\n"))
	}))
	defer srv.Close()

	f := NewFetcher(t.TempDir(), nil)
	f.client.RetryWaitMin = 10 * time.Millisecond
	f.client.RetryWaitMax = 20 * time.Millisecond

	path, err := f.Fetch(context.Background(), srv.URL+"/releases/delegate-linux", "1.1.0")
	require.NoError(t, err)
	assert.Equal(t, "delegate-linux", filepath.Base(path))
	assert.Equal(t, "1.1.0", filepath.Base(filepath.Dir(path)))
	assert.Equal(t, int32(2), calls.Load(), "503 is retried")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "#!/bin/sh\necho new\n", string(data))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.NotZero(t, info.Mode().Perm()&0o100, "artifact is executable")
}

func TestFetcher_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	f := NewFetcher(t.TempDir(), nil)
	_, err := f.Fetch(context.Background(), srv.URL+"/missing", "1.1.0")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestFetcher_RejectsPathsOutsideDir(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte("bin"))
	}))
	defer srv.Close()

	root := t.TempDir()
	f := NewFetcher(filepath.Join(root, "artifacts"), nil)

	tests := []struct {
		name    string
		url     string
		version string
	}{
		{"parent version", srv.URL + "/delegate", "../../x"},
		{"nested parent version", srv.URL + "/delegate", "1.0/../../x"},
		{"absolute version", srv.URL + "/delegate", "/tmp/x"},
		{"empty version", srv.URL + "/delegate", ""},
		{"parent file name", srv.URL + "/..", "1.1.0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.Fetch(context.Background(), tt.url, tt.version)
			assert.ErrorIs(t, err, ErrUnsafeArtifactPath)
		})
	}

	assert.Equal(t, int32(0), calls.Load(), "nothing is downloaded")
	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Empty(t, entries, "no directory is created")
}
