package devd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"kachery/pkg/daemon"
	"kachery/pkg/storage"
	"kachery/pkg/uri"

	"go.uber.org/zap"
)

func (s *Server) handleStoreFile(w http.ResponseWriter, r *http.Request) {
	var req daemon.StoreFileRequest
	if !decode(w, r, &req) {
		return
	}
	stored, err := s.store.StoreByCopy(r.Context(), req.LocalFilePath, false)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, daemon.StoreFileResponse{Reply: ok(), Sha1: stored.Hash, ManifestSha1: stored.ManifestHash})
}

// frameWriter writes framed records and flushes after each one.
type frameWriter struct {
	w http.ResponseWriter
}

func newFrameWriter(w http.ResponseWriter) *frameWriter {
	w.Header().Set("Content-Type", "application/octet-stream")
	return &frameWriter{w: w}
}

func (f *frameWriter) send(v any) error {
	if err := daemon.WriteFrame(f.w, v); err != nil {
		return err
	}
	if fl, ok := f.w.(http.Flusher); ok {
		fl.Flush()
	}
	return nil
}

func (s *Server) handleLoadFile(w http.ResponseWriter, r *http.Request) {
	var req daemon.LoadFileRequest
	if !decode(w, r, &req) {
		return
	}
	out := newFrameWriter(w)

	path, size, err := s.materialize(r.Context(), req.FileKey)
	if err != nil {
		_ = out.send(daemon.LoadFileEvent{Type: daemon.EventError, Error: err.Error()})
		return
	}
	_ = out.send(daemon.LoadFileEvent{Type: daemon.EventProgress, BytesLoaded: size, BytesTotal: size, NodeID: s.nodeID})
	_ = out.send(daemon.LoadFileEvent{Type: daemon.EventFinished, LocalFilePath: path})
}

// materialize makes fk available as a local file. Chunks are cut out of
// their parent when only the parent is present.
func (s *Server) materialize(ctx context.Context, fk uri.FileKey) (string, int64, error) {
	path, err := s.store.Load(ctx, fk.Sha1)
	if err == nil {
		size, err := s.store.Size(ctx, fk.Sha1)
		return path, size, err
	}
	if !storage.IsNotFound(err) || fk.ChunkOf == nil {
		return "", 0, fmt.Errorf("file not found: %s: %w", fk.Sha1, err)
	}

	c := fk.ChunkOf
	pr, pw := io.Pipe()
	defer pr.Close()
	go func() {
		_, err := s.store.CopyByteRange(ctx, c.FileKey.Sha1, c.StartByte, c.EndByte, pw)
		pw.CloseWithError(err)
	}()
	if err := s.store.Put(ctx, fk.Sha1, pr); err != nil {
		return "", 0, fmt.Errorf("unable to extract chunk %s of %s: %w", fk.Sha1, c.FileKey.Sha1, err)
	}
	s.log.Debug("extracted chunk", zap.Stringer("hash", fk.Sha1), zap.Stringer("parent", c.FileKey.Sha1))
	return s.store.BlobPath(fk.Sha1), c.EndByte - c.StartByte, nil
}

func (s *Server) handleFindFile(w http.ResponseWriter, r *http.Request) {
	var req daemon.FindFileRequest
	if !decode(w, r, &req) {
		return
	}
	out := newFrameWriter(w)

	size, err := s.store.Size(r.Context(), req.FileKey.Sha1)
	if errors.Is(err, storage.ErrNotFound) {
		return
	}
	if err != nil {
		s.log.Warn("findFile", zap.Stringer("hash", req.FileKey.Sha1), zap.Error(err))
		return
	}
	_ = out.send(daemon.FindFileResult{NodeID: s.nodeID, FileKey: req.FileKey, FileSize: size})
}
