package main

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"kachery/pkg/config"
	"kachery/pkg/daemon"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestServe_ProbeThenShutdown(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{
		Chunk: config.ChunkConfig{Threshold: config.DefaultChunkThreshold, Size: config.DefaultChunkSize},
		Devd:  config.DevdConfig{Listen: "127.0.0.1:0", StorageDir: dir},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ready := make(chan string, 1)
	done := make(chan error, 1)
	go func() { done <- serve(ctx, cfg, zaptest.NewLogger(t), ready) }()

	var addr string
	select {
	case addr = <-ready:
	case err := <-done:
		t.Fatalf("serve exited early: %v", err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not start")
	}

	host, port := splitAddr(t, addr)
	client := daemon.New(daemon.Config{Host: host, Port: port, Timeout: 5 * time.Second})
	p, err := client.Probe(context.Background())
	require.NoError(t, err)
	assert.Equal(t, dir, p.KacheryStorageDir)
	assert.NotEmpty(t, p.NodeID)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestServe_RequiresMetaDB(t *testing.T) {
	cfg := &config.Config{
		Chunk: config.ChunkConfig{Threshold: config.DefaultChunkThreshold, Size: config.DefaultChunkSize},
		Devd:  config.DevdConfig{Listen: "127.0.0.1:0", StorageDir: t.TempDir()},
		Meta:  config.MetaConfig{Driver: config.MetaNone},
	}
	err := serve(context.Background(), cfg, zaptest.NewLogger(t), nil)
	assert.ErrorContains(t, err, "meta.driver")
}

func splitAddr(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port
}
