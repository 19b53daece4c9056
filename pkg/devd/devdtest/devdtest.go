// Package devdtest runs an in-process dev daemon for tests.
package devdtest

import (
	"context"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strconv"
	"testing"

	"kachery/pkg/core"
	"kachery/pkg/daemon"
	"kachery/pkg/devd"
	"kachery/pkg/meta"
	"kachery/pkg/storage/disk"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type Instance struct {
	Server *devd.Server
	HTTP   *httptest.Server
	Store  *disk.Adapter
	Repo   *meta.Repository
	Config daemon.Config
}

// Client returns a new gateway client for the instance.
func (i *Instance) Client(opts ...daemon.Option) *daemon.Client {
	return daemon.New(i.Config, opts...)
}

// Start serves a dev daemon over a fresh storage dir until the test ends.
func Start(t testing.TB, chunking core.Chunking) *Instance {
	t.Helper()
	dir := t.TempDir()
	log := zaptest.NewLogger(t)

	db, err := meta.NewDB(context.Background(), meta.Config{Path: filepath.Join(dir, "meta", "devd.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	repo := meta.NewRepository(db)

	store, err := disk.NewAdapter(dir, disk.WithChunking(chunking), disk.WithHashIndex(repo), disk.WithLogger(log))
	require.NoError(t, err)

	srv, err := devd.New(devd.Config{StorageDir: dir}, store, repo, devd.WithLogger(log))
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	u, err := url.Parse(ts.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	return &Instance{
		Server: srv,
		HTTP:   ts,
		Store:  store,
		Repo:   repo,
		Config: daemon.Config{Host: u.Hostname(), Port: port, StorageDir: srv.StorageDir()},
	}
}
