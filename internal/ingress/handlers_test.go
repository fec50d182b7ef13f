package ingress

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/basakil/writeshed/internal/broker"
	"github.com/basakil/writeshed/internal/document"
	"github.com/basakil/writeshed/internal/store"
	"github.com/basakil/writeshed/pkg/config"
	"github.com/basakil/writeshed/pkg/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newCtx() context.Context {
	return context.Background()
}

func testServer(b *broker.Fake, d *store.Fake) *Server {
	settings := config.Settings{
		AppPort:      8080,
		CacheTTL:     time.Minute,
		ConsumerName: "ingress-test",
	}
	return New(settings, b, d, testLogger())
}

func doGet(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthzAlwaysOK(t *testing.T) {
	s := testServer(broker.NewFake(), store.NewFake())
	rec := doGet(t, s, "/healthz")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp models.HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "ok" {
		t.Fatalf("status field = %q, want ok", resp.Status)
	}
}

func TestReadyzFailsWhenBrokerDown(t *testing.T) {
	b := broker.NewFake()
	b.Unreachable = true
	s := testServer(b, store.NewFake())

	rec := doGet(t, s, "/readyz")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	var resp models.ReadyResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Redis != "disconnected" {
		t.Fatalf("redis = %q, want disconnected", resp.Redis)
	}
}

func TestReadyzOKWhenBothUp(t *testing.T) {
	s := testServer(broker.NewFake(), store.NewFake())
	rec := doGet(t, s, "/readyz")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestDataColdCacheReportsMissFallback(t *testing.T) {
	b := broker.NewFake()
	d := store.NewFake()
	s := testServer(b, d)

	rec := doGet(t, s, "/api/data")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp models.DataResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Writes) != config.WritesPerRequest {
		t.Fatalf("writes len = %d, want %d", len(resp.Writes), config.WritesPerRequest)
	}
	if len(resp.Reads) != config.ReadsPerRequest {
		t.Fatalf("reads len = %d, want %d", len(resp.Reads), config.ReadsPerRequest)
	}
	for _, w := range resp.Writes {
		if w == "" {
			t.Fatalf("writes contains empty id: %v", resp.Writes)
		}
	}
	if resp.Reads[0] != missMarker {
		t.Fatalf("reads[0] = %q, want miss on cold cache with empty store", resp.Reads[0])
	}
}

func TestDataWarmCacheReportsCachedMarkerOnAllSlots(t *testing.T) {
	b := broker.NewFake()
	d := store.NewFake()
	b.SetEx(newCtx(), config.CacheKeyWrite, "cached-id", time.Minute)
	s := testServer(b, d)

	rec := doGet(t, s, "/api/data")
	var resp models.DataResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)

	for i, r := range resp.Reads {
		if r != "cached-id" {
			t.Fatalf("reads[%d] = %q, want cached-id", i, r)
		}
	}
}

func TestDataFailsWhenBrokerUnreachable(t *testing.T) {
	b := broker.NewFake()
	b.Unreachable = true
	s := testServer(b, store.NewFake())

	rec := doGet(t, s, "/api/data")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestCacheClearDeletesOnlyDocKeysNotStream(t *testing.T) {
	b := broker.NewFake()
	d := store.NewFake()
	s := testServer(b, d)

	b.SetEx(newCtx(), "doc:write", "v", time.Minute)
	b.Append(newCtx(), config.StreamName, "payload", config.StreamMaxLen)

	req := httptest.NewRequest(http.MethodPost, "/api/cache/clear", nil)
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)

	var resp models.CacheClearResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.KeysRemoved != 1 {
		t.Fatalf("keys removed = %d, want 1", resp.KeysRemoved)
	}

	n, _ := b.Len(newCtx(), config.StreamName)
	if n != 1 {
		t.Fatalf("stream length = %d, want 1 (unaffected by cache clear)", n)
	}
}

func TestCacheClearIsIdempotent(t *testing.T) {
	b := broker.NewFake()
	d := store.NewFake()
	s := testServer(b, d)

	b.SetEx(newCtx(), "doc:write", "v", time.Minute)

	req := httptest.NewRequest(http.MethodPost, "/api/cache/clear", nil)
	s.httpServer.Handler.ServeHTTP(httptest.NewRecorder(), req)

	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/cache/clear", nil))

	var resp models.CacheClearResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.KeysRemoved != 0 {
		t.Fatalf("second clear removed %d keys, want 0", resp.KeysRemoved)
	}
}

func TestStatsReportsDocumentCountAndStreamLength(t *testing.T) {
	b := broker.NewFake()
	d := store.NewFake()
	s := testServer(b, d)

	d.InsertMany(newCtx(), []document.Document{document.New(0, "x")})
	b.Append(newCtx(), config.StreamName, "payload", config.StreamMaxLen)

	rec := doGet(t, s, "/api/stats")
	var resp models.StatsResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.TotalDocuments != 1 {
		t.Fatalf("total documents = %d, want 1", resp.TotalDocuments)
	}
	if resp.PendingWritesInStream != 1 {
		t.Fatalf("pending writes = %d, want 1", resp.PendingWritesInStream)
	}
}
