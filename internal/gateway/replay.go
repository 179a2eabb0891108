package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openvoicelab/sttgate/internal/frame"
	"github.com/openvoicelab/sttgate/internal/session"
)

const (
	maxReplayUploadBytes = 100 << 20
	replayChunkMs        = 250
)

type replayEntry struct {
	path       string
	sampleRate int
	size       int64
}

// replayStore keeps uploaded PCM in a process-lifetime temp directory,
// keyed by the id handed back to the uploader.
type replayStore struct {
	dir string

	mu      sync.Mutex
	entries map[string]replayEntry
}

func newReplayStore() (*replayStore, error) {
	dir, err := os.MkdirTemp("", "sttgate-replay-")
	if err != nil {
		return nil, fmt.Errorf("create replay dir: %w", err)
	}
	return &replayStore{dir: dir, entries: make(map[string]replayEntry)}, nil
}

func (rs *replayStore) Put(pcm io.Reader, sampleRate int) (string, int64, error) {
	id := uuid.NewString()
	path := filepath.Join(rs.dir, id+".pcm")
	f, err := os.Create(path)
	if err != nil {
		return "", 0, err
	}
	n, err := io.Copy(f, pcm)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(path)
		return "", 0, err
	}
	if n == 0 || n%2 != 0 {
		_ = os.Remove(path)
		return "", 0, fmt.Errorf("replay upload must be non-empty sample-aligned pcm16le, got %d bytes", n)
	}

	rs.mu.Lock()
	rs.entries[id] = replayEntry{path: path, sampleRate: sampleRate, size: n}
	rs.mu.Unlock()
	return id, n, nil
}

func (rs *replayStore) Get(id string) (replayEntry, bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	e, ok := rs.entries[id]
	return e, ok
}

// handleReplayUpload stores a raw PCM16LE body (or the "file" part of a
// multipart form) and returns the id a later /ws/replay dials with.
func (s *Server) handleReplayUpload(w http.ResponseWriter, r *http.Request) {
	sampleRate := 16000
	if raw := r.URL.Query().Get("sampleRate"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			respondError(w, http.StatusBadRequest, "invalid sampleRate")
			return
		}
		sampleRate = v
	}

	var body io.Reader = http.MaxBytesReader(w, r.Body, maxReplayUploadBytes)
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
		file, _, err := r.FormFile("file")
		if err != nil {
			respondError(w, http.StatusBadRequest, "missing multipart file field")
			return
		}
		defer file.Close()
		body = file
	}

	id, size, err := s.replays.Put(body, sampleRate)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, map[string]any{
		"sessionId":  id,
		"bytes":      size,
		"sampleRate": sampleRate,
	})
}

// handleReplayWS runs the streaming pipeline against an uploaded file,
// synthesizing capture timestamps from the file timeline.
func (s *Server) handleReplayWS(w http.ResponseWriter, r *http.Request) {
	entry, ok := s.replays.Get(r.URL.Query().Get("sessionId"))
	if !ok {
		respondError(w, http.StatusNotFound, "unknown replay session")
		return
	}
	adapters, err := s.resolveAdapters(r, session.KindReplay)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("ws upgrade failed: %v", err)
		return
	}

	cfg, err := s.readHandshake(conn)
	if err != nil {
		closeWithError(conn, "invalid_config", err)
		return
	}
	// The file dictates the ingress rate regardless of what the
	// handshake claims.
	cfg.PCM = true
	cfg.ClientSampleRate = entry.sampleRate

	ss, err := s.newStreamSession(conn, session.KindReplay, cfg, adapters, r.URL.Query().Get("language"))
	if err != nil {
		closeWithError(conn, "session_start_failed", err)
		return
	}

	// The client only listens during replay; a minimal reader consumes
	// pongs and aborts the feed when the peer disappears.
	conn.SetPongHandler(func(string) error {
		ss.missedPongs.Store(0)
		return nil
	})
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if ss.ctx.Err() == nil {
					ss.cancel(errClientGone)
				}
				return
			}
		}
	}()

	if err := ss.feedReplay(entry); err != nil && ss.ctx.Err() == nil {
		ss.fatal("replay_failed", err)
	}
	ss.shutdown()
}

// feedReplay pushes the file through the normal ingest path in
// chunk-sized frames whose captureTs advances along the file timeline.
func (ss *streamSession) feedReplay(entry replayEntry) error {
	f, err := os.Open(entry.path)
	if err != nil {
		return err
	}
	defer f.Close()

	chunkBytes := entry.sampleRate * 2 * replayChunkMs / 1000
	base := float64(time.Now().UnixMilli())
	buf := make([]byte, chunkBytes)
	var seq uint32
	for {
		if err := ss.ctx.Err(); err != nil {
			return context.Cause(ss.ctx)
		}
		n, rerr := io.ReadFull(f, buf)
		if n > 0 {
			if n%2 != 0 {
				n--
			}
			// The feeder throttles on adapter drain; a file larger than
			// the live-session backlog limit must not trip the overflow
			// watchdog.
			if err := ss.waitBacklogRoom(n * len(ss.lanes)); err != nil {
				return err
			}
			ss.ingestFrame(frame.Frame{
				Seq:        seq,
				CaptureTs:  base + float64(seq)*replayChunkMs,
				DurationMs: replayChunkMs,
				Payload:    buf[:n],
			})
			seq++
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) || errors.Is(rerr, io.ErrUnexpectedEOF) {
				return nil
			}
			return rerr
		}
	}
}
