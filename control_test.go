package offlinecache

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func post(h http.Handler, path, body string) *httptest.ResponseRecorder {
	return serve(h, httptest.NewRequest(http.MethodPost, path, strings.NewReader(body)))
}

func TestControlStatus(t *testing.T) {
	oc := newTestCache(t, appNetwork())
	register(t, oc, WorkerConfig{Version: "v1", Precache: shell})
	h := oc.ControlHandler()

	rec := serve(h, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var status Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	require.NotNil(t, status.Active)
	assert.Equal(t, "v1", status.Active.Version)
	assert.Equal(t, "offline-cache-v1", status.Active.Generation)
	assert.Len(t, status.Caches, 2)
}

func TestControlMessage(t *testing.T) {
	n := appNetwork()
	oc := newTestCache(t, n)
	register(t, oc, WorkerConfig{Version: "v1", Precache: shell})
	h := oc.ControlHandler()

	assert.Equal(t, http.StatusConflict, post(h, "/message", "SKIP_WAITING").Code)
	assert.Equal(t, http.StatusBadRequest, post(h, "/message", "HELLO").Code)

	release, done := startBlockedRequest(t, oc, n)
	register(t, oc, WorkerConfig{Version: "v2", Precache: shell, WaitForClients: true})

	rec := post(h, "/message", `{"type":"SKIP_WAITING"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var status Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "v2", status.Active.Version)
	assert.Nil(t, status.Waiting)

	close(release)
	<-done
}

func TestParseMessage(t *testing.T) {
	assert.Equal(t, "SKIP_WAITING", parseMessage([]byte("SKIP_WAITING\n")))
	assert.Equal(t, "SKIP_WAITING", parseMessage([]byte(`"SKIP_WAITING"`)))
	assert.Equal(t, "SKIP_WAITING", parseMessage([]byte(`{"type": "SKIP_WAITING"}`)))
	assert.Equal(t, `{"kind":"x"}`, parseMessage([]byte(`{"kind":"x"}`)))
}

func TestControlUpdate(t *testing.T) {
	oc := newTestCache(t, appNetwork())
	register(t, oc, WorkerConfig{Version: "v1", Precache: shell, CachePrefix: "pwa-cache"})
	h := oc.ControlHandler()

	assert.Equal(t, http.StatusBadRequest, post(h, "/update", `{}`).Code)
	assert.Equal(t, http.StatusBadRequest, post(h, "/update", `not json`).Code)

	rec := post(h, "/update", `{"version":"v9"}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	require.Eventually(t, func() bool {
		active := oc.Registration().Active()
		return active != nil && active.Version() == "v9"
	}, 2*time.Second, 5*time.Millisecond)
	settle(t, oc)

	assert.Equal(t, "pwa-cache-v9", oc.Registration().Active().Generation())
	assert.Len(t, storeKeys(t, oc.storage, "pwa-cache-v9"), 3)
	assert.Nil(t, storeKeys(t, oc.storage, "pwa-cache-v1"))
}

func TestControlRoutesRejectOtherMethods(t *testing.T) {
	oc := newTestCache(t, appNetwork())
	h := oc.ControlHandler()

	assert.Equal(t, http.StatusMethodNotAllowed, serve(h, httptest.NewRequest(http.MethodGet, "/message", nil)).Code)
	assert.Equal(t, http.StatusNotFound, serve(h, httptest.NewRequest(http.MethodGet, "/unknown", nil)).Code)
}

func TestControlCacheEntries(t *testing.T) {
	oc := newTestCache(t, appNetwork())
	register(t, oc, WorkerConfig{Version: "v1", Precache: shell})
	h := oc.ControlHandler()

	rec := serve(h, httptest.NewRequest(http.MethodGet, "/caches/offline-cache-v1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var entries cacheEntries
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	assert.Equal(t, "offline-cache-v1", entries.Name)
	assert.Equal(t, []string{
		"https://app.example.com/",
		"https://app.example.com/icon.png",
		"https://app.example.com/index.html",
	}, entries.URLs)

	rec = serve(h, httptest.NewRequest(http.MethodGet, "/caches/runtime", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"name":"runtime","urls":[]}`, rec.Body.String())

	rec = serve(h, httptest.NewRequest(http.MethodGet, "/caches/offline-cache-v0", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
