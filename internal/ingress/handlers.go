package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	brokerpkg "github.com/basakil/writeshed/internal/broker"
	"github.com/basakil/writeshed/internal/document"
	"github.com/basakil/writeshed/internal/store"
	"github.com/basakil/writeshed/pkg/config"
	"github.com/basakil/writeshed/pkg/models"
	"github.com/basakil/writeshed/utils"
)

const missMarker = "miss"

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, models.ErrorResponse{Status: "error", Error: msg})
}

func nowISO() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func (s *Server) healthzHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, models.HealthResponse{Status: "ok", TS: nowISO()})
}

// readyzHandler pings both dependencies within this single request
// (testable property 5: ready iff both pings succeed during that request).
func (s *Server) readyzHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	redisStatus, mongoStatus := "connected", "connected"
	ready := true

	if err := s.broker.Ping(ctx); err != nil {
		redisStatus = "disconnected"
		ready = false
	}
	if err := s.store.Ping(ctx); err != nil {
		mongoStatus = "disconnected"
		ready = false
	}

	resp := models.ReadyResponse{Mongo: mongoStatus, Redis: redisStatus, TS: nowISO()}
	if ready {
		resp.Status = "ready"
		writeJSON(w, http.StatusOK, resp)
		return
	}
	resp.Status = "not ready"
	writeJSON(w, http.StatusServiceUnavailable, resp)
}

// dataHandler performs N enqueues and M cache-aside reads (spec §4.1). A
// broker failure fails the whole request; a per-slot store failure during
// the read fallback is recorded as a miss instead (spec §4.1, §7).
func (s *Server) dataHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	if err := s.broker.Ping(ctx); err != nil {
		writeError(w, http.StatusServiceUnavailable, "broker unreachable")
		return
	}
	if err := s.store.Ping(ctx); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unreachable")
		return
	}

	writes, err := s.enqueueWrites(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "write enqueue failed")
		return
	}

	reads := s.performReads(ctx)

	writeJSON(w, http.StatusOK, models.DataResponse{
		Status: "success",
		Reads:  reads,
		Writes: writes,
		TS:     nowISO(),
	})
}

// enqueueWrites appends config.WritesPerRequest documents to the write
// log concurrently, collecting the returned stream ids in index order.
func (s *Server) enqueueWrites(ctx context.Context) ([]string, error) {
	writes := make([]string, config.WritesPerRequest)
	g, gctx := errgroup.WithContext(ctx)

	for i := 0; i < config.WritesPerRequest; i++ {
		i := i
		g.Go(func() error {
			doc := document.New(i, utils.RandomPayload(config.PayloadSize))
			raw, err := doc.MarshalEntry()
			if err != nil {
				return err
			}
			id, err := s.broker.Append(gctx, config.StreamName, raw, config.StreamMaxLen)
			if err != nil {
				return err
			}
			writes[i] = id
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return writes, nil
}

// performReads attempts config.ReadsPerRequest cache-aside lookups
// concurrently. A per-slot store error during the miss fallback is
// recorded as a miss rather than failing the request (spec §4.1, §7).
func (s *Server) performReads(ctx context.Context) []string {
	reads := make([]string, config.ReadsPerRequest)
	var wg sync.WaitGroup

	for j := 0; j < config.ReadsPerRequest; j++ {
		j := j
		wg.Add(1)
		go func() {
			defer wg.Done()
			reads[j] = s.cacheAsideRead(ctx)
		}()
	}
	wg.Wait()
	return reads
}

func (s *Server) cacheAsideRead(ctx context.Context) string {
	if v, ok, err := s.broker.Get(ctx, config.CacheKeyWrite); err == nil && ok {
		return v
	}

	doc, found, err := s.store.FindOneByType(ctx, "write")
	if err != nil || !found {
		return missMarker
	}

	id := doc.IDHex()
	if id == "" {
		return missMarker
	}

	_ = s.broker.SetEx(ctx, config.CacheKeyWrite, id, s.settings.CacheTTL)
	return id
}

func (s *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	total, err := s.store.CountDocuments(ctx)
	if err != nil {
		if errors.Is(err, store.ErrUnreachable) {
			writeError(w, http.StatusServiceUnavailable, "store unreachable")
			return
		}
		writeError(w, http.StatusInternalServerError, "count failed")
		return
	}

	pending, err := s.broker.Len(ctx, config.StreamName)
	if err != nil {
		if errors.Is(err, brokerpkg.ErrUnreachable) {
			writeError(w, http.StatusServiceUnavailable, "broker unreachable")
			return
		}
		writeError(w, http.StatusInternalServerError, "len failed")
		return
	}

	writeJSON(w, http.StatusOK, models.StatsResponse{
		TotalDocuments:        total,
		PendingWritesInStream: pending,
		TS:                    nowISO(),
	})
}

func (s *Server) cacheStatsHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	keys, err := s.broker.Keys(ctx, config.CachePrefix+"*")
	if err != nil {
		if errors.Is(err, brokerpkg.ErrUnreachable) {
			writeError(w, http.StatusServiceUnavailable, "broker unreachable")
			return
		}
		writeError(w, http.StatusInternalServerError, "keys failed")
		return
	}

	writeJSON(w, http.StatusOK, models.CacheStatsResponse{
		KeyCount: int64(len(keys)),
		TS:       nowISO(),
	})
}

// cacheClearHandler deletes only doc:* keys; the stream is off-limits
// (spec §4.4, testable property 4).
func (s *Server) cacheClearHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	keys, err := s.broker.Keys(ctx, config.CachePrefix+"*")
	if err != nil {
		if errors.Is(err, brokerpkg.ErrUnreachable) {
			writeError(w, http.StatusServiceUnavailable, "broker unreachable")
			return
		}
		writeError(w, http.StatusInternalServerError, "keys failed")
		return
	}

	var removed int64
	if len(keys) > 0 {
		removed, err = s.broker.Del(ctx, keys...)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "delete failed")
			return
		}
	}

	writeJSON(w, http.StatusOK, models.CacheClearResponse{
		Status:      "cleared",
		KeysRemoved: removed,
	})
}
