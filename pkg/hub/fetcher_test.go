package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lemonade-sdk/lemonade/pkg/logging"
)

type fakeHub struct {
	repo  string
	files map[string][]byte
}

func (h *fakeHub) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/models/", func(w http.ResponseWriter, r *http.Request) {
		var listing []RepoFile
		for name, data := range h.files {
			listing = append(listing, RepoFile{
				Type: "file",
				Path: name,
				Size: int64(len(data)),
				OID:  fmt.Sprintf("oid-%s", strings.ReplaceAll(name, "/", "-")),
			})
		}
		_ = json.NewEncoder(w).Encode(listing)
	})
	mux.HandleFunc("/"+h.repo+"/resolve/main/", func(w http.ResponseWriter, r *http.Request) {
		name := strings.TrimPrefix(r.URL.Path, "/"+h.repo+"/resolve/main/")
		data, ok := h.files[name]
		if !ok {
			http.NotFound(w, r)
			return
		}
		offset := int64(0)
		if rng := r.Header.Get("Range"); rng != "" {
			offset, _ = strconv.ParseInt(strings.TrimSuffix(strings.TrimPrefix(rng, "bytes="), "-"), 10, 64)
			w.WriteHeader(http.StatusPartialContent)
		}
		_, _ = w.Write(data[offset:])
	})
	return mux
}

func newTestFetcher(t *testing.T, hub *fakeHub) (*Fetcher, *Store) {
	t.Helper()
	srv := httptest.NewServer(hub.handler())
	t.Cleanup(srv.Close)

	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	store := NewStore(t.TempDir())
	client := NewClient(WithBaseURL(srv.URL))
	return NewFetcher(client, store, logging.NewLogrusAdapter(l)), store
}

func TestFetchDownloadsAndMaterializes(t *testing.T) {
	hub := &fakeHub{
		repo: "org/model",
		files: map[string][]byte{
			"model-Q4_K_M.gguf": []byte("quantized weights"),
			"mmproj-model.gguf": []byte("projector"),
		},
	}
	f, store := newTestFetcher(t, hub)

	var updates []Progress
	snap, err := f.Fetch(context.Background(), "org/model", "main", "Q4_K_M", func(p Progress) {
		updates = append(updates, p)
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"model-Q4_K_M.gguf"}, snap.Files)
	data, err := os.ReadFile(snap.Primary)
	require.NoError(t, err)
	assert.Equal(t, "quantized weights", string(data))

	require.NotEmpty(t, snap.MMProj)
	data, err = os.ReadFile(snap.MMProj)
	require.NoError(t, err)
	assert.Equal(t, "projector", string(data))

	assert.NotEmpty(t, updates)
	last := updates[len(updates)-1]
	assert.Equal(t, last.FileTotal, last.FileBytes)

	assert.True(t, store.HasRepo("org/model"))
	assert.True(t, f.IsCached("org/model", "main", "Q4_K_M"))
}

func TestFetchSkipsCachedFiles(t *testing.T) {
	hub := &fakeHub{
		repo:  "org/model",
		files: map[string][]byte{"model-Q4_K_M.gguf": []byte("weights")},
	}
	f, _ := newTestFetcher(t, hub)

	_, err := f.Fetch(context.Background(), "org/model", "main", "", nil)
	require.NoError(t, err)

	// Second fetch must not re-download; serve it even if the hub forgets
	// the file.
	hub.files = map[string][]byte{"model-Q4_K_M.gguf": nil}
	snap, err := f.Fetch(context.Background(), "org/model", "main", "", nil)
	require.NoError(t, err)
	data, err := os.ReadFile(snap.Primary)
	require.NoError(t, err)
	assert.Equal(t, "weights", string(data))
}

func TestFetchResumesPartialBlob(t *testing.T) {
	content := []byte("0123456789abcdef")
	hub := &fakeHub{
		repo:  "org/model",
		files: map[string][]byte{"model.gguf": content},
	}
	f, store := newTestFetcher(t, hub)

	// Simulate an interrupted pull that left the first half behind.
	partial := store.IncompletePath("org/model", "oid-model.gguf")
	require.NoError(t, os.MkdirAll(filepath.Dir(partial), 0o755))
	require.NoError(t, os.WriteFile(partial, content[:8], 0o644))

	snap, err := f.Fetch(context.Background(), "org/model", "main", "", nil)
	require.NoError(t, err)
	data, err := os.ReadFile(snap.Primary)
	require.NoError(t, err)
	assert.Equal(t, content, data)
}

func TestFetchOfflineRequiresCache(t *testing.T) {
	hub := &fakeHub{
		repo:  "org/model",
		files: map[string][]byte{"model.gguf": []byte("weights")},
	}
	f, _ := newTestFetcher(t, hub)
	f.offline = true

	_, err := f.Fetch(context.Background(), "org/model", "main", "", nil)
	assert.ErrorIs(t, err, ErrOffline)

	f.offline = false
	_, err = f.Fetch(context.Background(), "org/model", "main", "", nil)
	require.NoError(t, err)

	f.offline = true
	snap, err := f.Fetch(context.Background(), "org/model", "main", "", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, snap.Primary)
}

func TestFetchZeroByteFileIsCached(t *testing.T) {
	hub := &fakeHub{
		repo: "org/model",
		files: map[string][]byte{
			"model.gguf":  []byte("weights"),
			"config.json": {},
		},
	}
	f, store := newTestFetcher(t, hub)

	snap, err := f.Fetch(context.Background(), "org/model", "main", "", nil)
	require.NoError(t, err)

	fi, err := os.Stat(filepath.Join(snap.Dir, "config.json"))
	require.NoError(t, err)
	assert.Zero(t, fi.Size())

	// The empty file counts as present, so later pulls never re-download
	// it.
	assert.True(t, store.HasFile("org/model", "main", "config.json", 0))
	assert.True(t, f.IsCached("org/model", "main", ""))
	_, err = f.Fetch(context.Background(), "org/model", "main", "", nil)
	require.NoError(t, err)
}

func TestDownloadConnArmsIdleDeadline(t *testing.T) {
	inner := &deadlineConn{}
	conn := &idleTimeoutConn{Conn: inner, timeout: downloadIdleTimeout}

	_, err := conn.Read(make([]byte, 1))
	require.NoError(t, err)
	require.False(t, inner.readDeadline.IsZero(), "read must arm an idle deadline")
	assert.WithinDuration(t, time.Now().Add(downloadIdleTimeout), inner.readDeadline, 5*time.Second)
}

// deadlineConn remembers the read deadline set on it.
type deadlineConn struct {
	readDeadline time.Time
}

func (c *deadlineConn) Read(p []byte) (int, error)         { return len(p), nil }
func (c *deadlineConn) Write(p []byte) (int, error)        { return len(p), nil }
func (c *deadlineConn) Close() error                       { return nil }
func (c *deadlineConn) LocalAddr() net.Addr                { return nil }
func (c *deadlineConn) RemoteAddr() net.Addr               { return nil }
func (c *deadlineConn) SetDeadline(t time.Time) error      { return nil }
func (c *deadlineConn) SetWriteDeadline(t time.Time) error { return nil }

func (c *deadlineConn) SetReadDeadline(t time.Time) error {
	c.readDeadline = t
	return nil
}

func TestDeleteRemovesRepo(t *testing.T) {
	hub := &fakeHub{
		repo:  "org/model",
		files: map[string][]byte{"model.gguf": []byte("weights")},
	}
	f, store := newTestFetcher(t, hub)

	_, err := f.Fetch(context.Background(), "org/model", "main", "", nil)
	require.NoError(t, err)
	require.True(t, store.HasRepo("org/model"))

	require.NoError(t, f.Delete("org/model"))
	assert.False(t, store.HasRepo("org/model"))
}
