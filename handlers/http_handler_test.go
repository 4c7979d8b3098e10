package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Perceptus-Labs/geocapture/models"
	"github.com/Perceptus-Labs/geocapture/utils"
)

func newTestServer(t *testing.T, session *CaptureSession) *httptest.Server {
	reg := prometheus.NewRegistry()
	srv := httptest.NewServer(NewRouter(session, reg))
	t.Cleanup(srv.Close)
	return srv
}

func postCapture(t *testing.T, srv *httptest.Server, body string) (int, string) {
	resp, err := http.Post(srv.URL+"/api/capture", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(data)
}

func captureBody(t *testing.T, metadata string) string {
	body, err := json.Marshal(map[string]interface{}{
		"metadata": json.RawMessage(metadata),
		"image":    dataURI(t, gradient(640, 620)),
	})
	require.NoError(t, err)
	return string(body)
}

func getJSON(t *testing.T, url string, v interface{}) int {
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp.StatusCode
}

func TestHTTP_CaptureRoundTrip(t *testing.T) {
	session := newTestSession(t)
	srv := newTestServer(t, session)

	status, body := postCapture(t, srv, captureBody(t, scenarioMetadata))
	require.Equal(t, http.StatusOK, status, body)
	assert.Contains(t, body, "6.267440_-75.569200_12.3</tt>")
	assert.Contains(t, body, "with size <tt>(400, 600, 3)</tt>")

	var last models.CaptureSummary
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/captures/last", &last))
	assert.Equal(t, "6.267440_-75.569200_12.3", last.Key)
	assert.Equal(t, []int{400, 600, 3}, last.Shape)
	require.NotNil(t, last.Metadata)
	assert.Equal(t, []string{"farmacia"}, last.Metadata.Labels)

	resp, err := http.Get(srv.URL + "/api/captures/last/image")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))
	img, err := png.Decode(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, 600, img.Bounds().Dx())
}

func TestHTTP_CaptureErrors(t *testing.T) {
	session := newTestSession(t)
	srv := newTestServer(t, session)

	status, body := postCapture(t, srv, "{not json")
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, body, "malformed image payload")

	status, body = postCapture(t, srv, captureBody(t, `{"heading":1,"lat":1,"lon":1,"labels":[]}`))
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, body, "must choose at least one label")

	require.NoError(t, os.RemoveAll(session.Store.Dir()))
	status, _ = postCapture(t, srv, captureBody(t, scenarioMetadata))
	assert.Equal(t, http.StatusInternalServerError, status)
}

func TestHTTP_LastCaptureBeforeAnyCapture(t *testing.T) {
	srv := newTestServer(t, newTestSession(t))

	resp, err := http.Get(srv.URL + "/api/captures/last")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/api/captures/last/image")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHTTP_ListCaptures(t *testing.T) {
	session := newTestSession(t)
	srv := newTestServer(t, session)

	for _, m := range []string{
		`{"heading":1,"lat":1,"lon":1,"labels":["bar"]}`,
		`{"heading":2,"lat":1,"lon":1,"labels":["hotel","bar"]}`,
		`{"heading":3,"lat":1,"lon":1,"labels":["ropa"]}`,
	} {
		status, body := postCapture(t, srv, captureBody(t, m))
		require.Equal(t, http.StatusOK, status, body)
	}
	// A record whose sidecar went missing.
	require.NoError(t, os.Remove(session.Store.MetadataPath(models.StorageKey(1, 1, 3))))

	var all []models.CaptureSummary
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/captures", &all))
	require.Len(t, all, 3)
	assert.Equal(t, "no metadata", all[2].Error)
	assert.Nil(t, all[2].Metadata)

	var bars []models.CaptureSummary
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/captures?label=bar", &bars))
	require.Len(t, bars, 2)
	assert.Equal(t, models.StorageKey(1, 1, 1), bars[0].Key)

	var none []models.CaptureSummary
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/captures?label=castle", &none))
	assert.Empty(t, none)
}

func TestHTTP_ListCapturesByLabelUsesIndex(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	index := utils.NewCaptureIndex(client, "test")

	session := newTestSession(t, WithIndex(index))
	srv := newTestServer(t, session)

	status, body := postCapture(t, srv, captureBody(t, scenarioMetadata))
	require.Equal(t, http.StatusOK, status, body)

	// Only the index knows about this key, and it has no files: it is skipped.
	require.NoError(t, index.Upsert(context.Background(), &models.CaptureRecord{
		Key:      "ghost",
		Metadata: &models.Metadata{Labels: []string{"farmacia"}},
	}))

	var got []models.CaptureSummary
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/captures?label=farmacia", &got))
	require.Len(t, got, 1)
	assert.Equal(t, "6.267440_-75.569200_12.3", got[0].Key)
}

func TestHTTP_GetCaptureAndImage(t *testing.T) {
	session := newTestSession(t)
	srv := newTestServer(t, session)

	status, body := postCapture(t, srv, captureBody(t, scenarioMetadata))
	require.Equal(t, http.StatusOK, status, body)

	var rec models.CaptureSummary
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/captures/6.267440_-75.569200_12.3", &rec))
	assert.Equal(t, []string{"farmacia"}, rec.Metadata.Labels)

	resp, err := http.Get(srv.URL + "/api/captures/6.267440_-75.569200_12.3/image")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	onDisk, err := os.ReadFile(session.Store.ImagePath("6.267440_-75.569200_12.3"))
	require.NoError(t, err)
	assert.True(t, bytes.Equal(onDisk, data))

	assert.Equal(t, http.StatusNotFound, getJSON(t, srv.URL+"/api/captures/missing", &rec))
}

func TestHTTP_ViewerConfig(t *testing.T) {
	zone, err := utils.ParseZone([]byte(`{"type":"FeatureCollection","features":[{"geometry":{"type":"Polygon","coordinates":[[[-75.58,6.26],[-75.56,6.26],[-75.56,6.28],[-75.58,6.26]]]}}]}`))
	require.NoError(t, err)

	srv := newTestServer(t, newTestSession(t, WithZone(zone)))

	var cfg ViewerConfig
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/config", &cfg))
	assert.Len(t, cfg.Labels, 20)
	assert.Equal(t, 400, cfg.Height)
	assert.Equal(t, 600, cfg.Width)
	assert.Equal(t, LatLng{Lat: 6.26, Lng: -75.58}, cfg.Start)
	assert.Contains(t, string(cfg.Zone), "FeatureCollection")
}

func TestHTTP_ViewerConfigWithoutZone(t *testing.T) {
	srv := newTestServer(t, newTestSession(t))

	var cfg ViewerConfig
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/config", &cfg))
	assert.Equal(t, LatLng{Lat: 6.26744, Lng: -75.5692}, cfg.Start)
	assert.Equal(t, "null", string(cfg.Zone))
}

func TestHTTP_HealthAndMetrics(t *testing.T) {
	srv := newTestServer(t, newTestSession(t))

	var health map[string]interface{}
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/healthz", &health))
	assert.Equal(t, "ok", health["status"])

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func postCaptures(t *testing.T, srv *httptest.Server, metadata ...string) {
	for _, m := range metadata {
		status, body := postCapture(t, srv, captureBody(t, m))
		require.Equal(t, http.StatusOK, status, body)
	}
}

func keysOf(summaries []models.CaptureSummary) []string {
	keys := make([]string, 0, len(summaries))
	for _, s := range summaries {
		keys = append(keys, s.Key)
	}
	return keys
}

func TestHTTP_ListRecentCaptures(t *testing.T) {
	session := newTestSession(t)
	srv := newTestServer(t, session)

	postCaptures(t, srv,
		`{"heading":1,"lat":1,"lon":1,"labels":["bar"]}`,
		`{"heading":2,"lat":1,"lon":1,"labels":["bar"]}`,
		`{"heading":3,"lat":1,"lon":1,"labels":["ropa"]}`,
	)
	base := time.Now().Add(-time.Hour)
	for i, heading := range []float64{3, 1, 2} {
		at := base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, os.Chtimes(session.Store.ImagePath(models.StorageKey(1, 1, heading)), at, at))
	}

	var got []models.CaptureSummary
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/captures?recent=2", &got))
	assert.Equal(t, []string{models.StorageKey(1, 1, 2), models.StorageKey(1, 1, 1)}, keysOf(got))

	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/captures?recent=10&label=bar", &got))
	assert.Equal(t, []string{models.StorageKey(1, 1, 2), models.StorageKey(1, 1, 1)}, keysOf(got))

	for _, bad := range []string{"0", "-3", "many"} {
		resp, err := http.Get(srv.URL + "/api/captures?recent=" + bad)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, bad)
	}
}

func TestHTTP_ListRecentCapturesUsesIndex(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	index := utils.NewCaptureIndex(client, "test")

	session := newTestSession(t, WithIndex(index))
	srv := newTestServer(t, session)

	postCaptures(t, srv,
		`{"heading":1,"lat":1,"lon":1,"labels":["bar"]}`,
		`{"heading":2,"lat":1,"lon":1,"labels":["bar"]}`,
	)
	first, second := models.StorageKey(1, 1, 1), models.StorageKey(1, 1, 2)

	// The directory says the second capture is newest, the index says the first.
	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(session.Store.ImagePath(second), future, future))
	rec, err := session.Store.Get(first)
	require.NoError(t, err)
	rec.CapturedAt = future.Add(time.Hour)
	require.NoError(t, index.Upsert(context.Background(), &rec))

	var got []models.CaptureSummary
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/captures?recent=1", &got))
	assert.Equal(t, []string{first}, keysOf(got))

	mr.Close()
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/captures?recent=1", &got))
	assert.Equal(t, []string{second}, keysOf(got))
}

func TestHTTP_LabelCounts(t *testing.T) {
	session := newTestSession(t)
	srv := newTestServer(t, session)

	postCaptures(t, srv,
		`{"heading":1,"lat":1,"lon":1,"labels":["bar","hotel"]}`,
		`{"heading":2,"lat":1,"lon":1,"labels":["bar","fuera de vocabulario"]}`,
	)

	var counts []LabelCount
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/labels", &counts))
	require.Len(t, counts, len(utils.DefaultLabels))
	byLabel := map[string]int64{}
	for _, c := range counts {
		byLabel[c.Label] = c.Count
	}
	assert.Equal(t, int64(2), byLabel["bar"])
	assert.Equal(t, int64(1), byLabel["hotel"])
	assert.Equal(t, int64(0), byLabel["farmacia"])
	assert.NotContains(t, byLabel, "fuera de vocabulario")
	assert.Equal(t, utils.DefaultLabels[0], counts[0].Label)
}

func TestHTTP_LabelCountsUsesIndex(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	index := utils.NewCaptureIndex(client, "test")

	session := newTestSession(t, WithIndex(index))
	srv := newTestServer(t, session)

	postCaptures(t, srv, scenarioMetadata)
	// Known only to the index.
	require.NoError(t, index.Upsert(context.Background(), &models.CaptureRecord{
		Key:      "ghost",
		Metadata: &models.Metadata{Labels: []string{"farmacia"}},
	}))

	var counts []LabelCount
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/labels", &counts))
	assert.Contains(t, counts, LabelCount{Label: "farmacia", Count: 2})

	mr.Close()
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/labels", &counts))
	assert.Contains(t, counts, LabelCount{Label: "farmacia", Count: 1})
}
