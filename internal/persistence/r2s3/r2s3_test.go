package r2s3

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type captured struct {
	path string
	auth string
	hash string
	body []byte
}

func newBucket(t *testing.T, status int) (*httptest.Server, func() []captured) {
	t.Helper()
	var (
		mu   sync.Mutex
		puts []captured
	)
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		puts = append(puts, captured{
			path: r.URL.EscapedPath(),
			auth: r.Header.Get("Authorization"),
			hash: r.Header.Get("x-amz-content-sha256"),
			body: b,
		})
		mu.Unlock()
		rw.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, func() []captured {
		mu.Lock()
		defer mu.Unlock()
		return append([]captured(nil), puts...)
	}
}

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	c, err := New(ClientConfig{
		Endpoint:        srv.URL,
		HTTPClient:      srv.Client(),
		Bucket:          "oracle-audit",
		AccessKeyID:     "AKID",
		SecretAccessKey: "secret",
		Now:             func() time.Time { return time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC) },
	})
	require.NoError(t, err)
	return c
}

func TestNew_RequiresCredentials(t *testing.T) {
	_, err := New(ClientConfig{Endpoint: "r2.example.com", Bucket: "b"})
	assert.Error(t, err)

	c, err := New(ClientConfig{Endpoint: "r2.example.com/", Bucket: "b", AccessKeyID: "k", SecretAccessKey: "s"})
	require.NoError(t, err)
	assert.Equal(t, "https://r2.example.com", c.endpoint)
	assert.Equal(t, "auto", c.region)
}

func TestClient_PutSignsAndHashes(t *testing.T) {
	srv, puts := newBucket(t, http.StatusOK)
	c := newTestClient(t, srv)

	body := "line one\nline two\n"
	require.NoError(t, c.Put(context.Background(), "/audit/rituals/r 1.jsonl.zst", strings.NewReader(body), int64(len(body))))

	got := puts()
	require.Len(t, got, 1)
	sum := sha256.Sum256([]byte(body))
	assert.Equal(t, "/oracle-audit/audit/rituals/r%201.jsonl.zst", got[0].path)
	assert.Equal(t, hex.EncodeToString(sum[:]), got[0].hash)
	assert.Equal(t, body, string(got[0].body))
	assert.True(t, strings.HasPrefix(got[0].auth, "AWS4-HMAC-SHA256 Credential=AKID/20260301/auto/s3/aws4_request"), got[0].auth)
}

func TestClient_PutRejectsBadKeyAndStatus(t *testing.T) {
	srv, _ := newBucket(t, http.StatusForbidden)
	c := newTestClient(t, srv)

	assert.Error(t, c.Put(context.Background(), "../escape", strings.NewReader("x"), 1))
	err := c.Put(context.Background(), "ok.txt", strings.NewReader("x"), 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
}

func TestNormalizeObjectKey(t *testing.T) {
	cases := map[string]string{
		"a/b":       "a/b",
		"/a//b/":    "a/b",
		`a\b`:       "a/b",
		"../x":      "",
		"":          "",
		"a/../../x": "x",
	}
	for in, want := range cases {
		assert.Equal(t, want, normalizeObjectKey(in), in)
	}
}

func TestMirror_UploadsRelativeKeys(t *testing.T) {
	srv, puts := newBucket(t, http.StatusOK)
	dir := t.TempDir()
	local := filepath.Join(dir, "rituals", "rituals-2026-03-01-10.jsonl.zst")
	require.NoError(t, os.MkdirAll(filepath.Dir(local), 0o755))
	require.NoError(t, os.WriteFile(local, []byte("payload"), 0o644))

	m := NewMirror(newTestClient(t, srv), MirrorConfig{DataDir: dir, Prefix: "/prod/"})
	m.Enqueue(local)
	m.Close(context.Background())
	m.Enqueue(local)

	got := puts()
	require.Len(t, got, 1)
	assert.Equal(t, "/oracle-audit/prod/rituals/rituals-2026-03-01-10.jsonl.zst", got[0].path)
	assert.Equal(t, Stats{Enqueued: 1, Uploaded: 1}, m.Stats())
}

type flakyUploader struct {
	mu    sync.Mutex
	calls int
	fails int
}

func (f *flakyUploader) PutFile(context.Context, string, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.fails {
		return errors.New("temporary")
	}
	return nil
}

func TestMirror_RetriesThenGivesUp(t *testing.T) {
	dir := t.TempDir()
	local := filepath.Join(dir, "a.jsonl.zst")
	require.NoError(t, os.WriteFile(local, []byte("x"), 0o644))

	ok := &flakyUploader{fails: 2}
	m := NewMirror(ok, MirrorConfig{DataDir: dir, Attempts: 3, Backoff: time.Millisecond, Workers: 1})
	m.Enqueue(local)
	m.Close(context.Background())
	assert.Equal(t, 3, ok.calls)
	assert.Equal(t, uint64(1), m.Stats().Uploaded)

	bad := &flakyUploader{fails: 10}
	m = NewMirror(bad, MirrorConfig{DataDir: dir, Attempts: 2, Backoff: time.Millisecond, Workers: 1})
	m.Enqueue(local)
	m.Enqueue(filepath.Join(t.TempDir(), "outside.zst"))
	m.Close(context.Background())
	assert.Equal(t, 2, bad.calls)
	assert.Equal(t, uint64(2), m.Stats().Failed)
}
