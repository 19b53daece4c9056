// Package devd is a single-node implementation of the daemon HTTP API on
// top of the local blob store and the metadata database. It serves local
// development and tests: there is no networking between nodes and message
// signatures are plain digests.
package devd

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"kachery/pkg/daemon"
	"kachery/pkg/meta"
	"kachery/pkg/server"
	"kachery/pkg/storage/disk"

	"github.com/google/renameio"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const nodeIDFileName = "node-id"

// maxRequestSize bounds JSON request bodies.
const maxRequestSize = 64 << 20

type Config struct {
	StorageDir string
	// NodeID defaults to the one persisted in <storage>/node-id, or a new one.
	NodeID string
}

type Server struct {
	storageDir string
	nodeID     string
	authCode   string

	store    *disk.Adapter
	repo     *meta.Repository
	messages *notifier
	log      *zap.Logger
}

type Option func(*Server)

func WithLogger(log *zap.Logger) Option { return func(s *Server) { s.log = log.Named("devd") } }

// New prepares the storage directory and writes a fresh client auth code to
// <storage>/client-auth.
func New(cfg Config, store *disk.Adapter, repo *meta.Repository, opts ...Option) (*Server, error) {
	dir, err := filepath.Abs(cfg.StorageDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage dir: %w", err)
	}

	s := &Server{
		storageDir: dir,
		nodeID:     cfg.NodeID,
		authCode:   uuid.NewString(),
		store:      store,
		repo:       repo,
		messages:   newNotifier(),
		log:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.nodeID == "" {
		if s.nodeID, err = loadOrCreateNodeID(dir); err != nil {
			return nil, err
		}
	}
	if err := renameio.WriteFile(filepath.Join(dir, daemon.AuthFileName), []byte(s.authCode), 0600); err != nil {
		return nil, fmt.Errorf("failed to write client auth code: %w", err)
	}
	s.log.Info("dev daemon ready", zap.String("node_id", s.nodeID), zap.String("storage", dir))
	return s, nil
}

func loadOrCreateNodeID(dir string) (string, error) {
	path := filepath.Join(dir, nodeIDFileName)
	data, err := os.ReadFile(path)
	if err == nil && len(strings.TrimSpace(string(data))) > 0 {
		return strings.TrimSpace(string(data)), nil
	}
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return "", err
	}
	id := newID()
	if err := renameio.WriteFile(path, []byte(id), 0644); err != nil {
		return "", fmt.Errorf("failed to persist node id: %w", err)
	}
	return id, nil
}

// newID returns 32 hex characters.
func newID() string { return strings.ReplaceAll(uuid.NewString(), "-", "") }

func (s *Server) NodeID() string { return s.nodeID }

func (s *Server) StorageDir() string { return s.storageDir }

// Handler returns the full API with logging and panic recovery.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /probe", s.handleProbe)

	mux.Handle("POST /storeFile", s.authed(s.handleStoreFile))
	mux.Handle("POST /loadFile", s.authed(s.handleLoadFile))
	mux.Handle("POST /findFile", s.authed(s.handleFindFile))

	mux.Handle("POST /feed/createFeed", s.authed(s.handleCreateFeed))
	mux.Handle("POST /feed/getFeedInfo", s.authed(s.handleGetFeedInfo))
	mux.Handle("POST /feed/getFeedId", s.authed(s.handleGetFeedID))
	mux.Handle("POST /feed/deleteFeed", s.authed(s.handleDeleteFeed))
	mux.Handle("POST /feed/getNumMessages", s.authed(s.handleGetNumMessages))
	mux.Handle("POST /feed/getMessages", s.authed(s.handleGetMessages(false)))
	mux.Handle("POST /feed/getSignedMessages", s.authed(s.handleGetMessages(true)))
	mux.Handle("POST /feed/appendMessages", s.authed(s.handleAppendMessages))
	mux.Handle("POST /feed/submitMessage", s.authed(s.handleSubmitMessage))
	mux.Handle("POST /feed/getAccessRules", s.authed(s.handleGetAccessRules))
	mux.Handle("POST /feed/setAccessRules", s.authed(s.handleSetAccessRules))
	mux.Handle("POST /feed/watchForNewMessages", s.authed(s.handleWatchForNewMessages))

	mux.Handle("POST /mutable/set", s.authed(s.handleMutableSet))
	mux.Handle("POST /mutable/get", s.authed(s.handleMutableGet))
	mux.Handle("POST /mutable/delete", s.authed(s.handleMutableDelete))

	return server.Chain(mux, server.Logging(s.log), server.Recovery(s.log))
}

func (s *Server) authed(h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(daemon.AuthHeader) != s.authCode {
			http.Error(w, "incorrect or missing client auth code", http.StatusForbidden)
			return
		}
		h(w, r)
	})
}

func (s *Server) handleProbe(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, daemon.ProbeResponse{
		Reply:             ok(),
		NodeID:            s.nodeID,
		KacheryStorageDir: s.storageDir,
		JoinedChannels:    []json.RawMessage{},
	})
}

func ok() daemon.Reply { return daemon.Reply{Success: true} }

// decode reads the JSON body into v, replying 400 on failure.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestSize)).Decode(v); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// fail reports an operation failure as success=false.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	s.log.Debug("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	writeJSON(w, daemon.Reply{Success: false, Error: err.Error()})
}
