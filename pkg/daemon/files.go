package daemon

import (
	"context"
	"errors"
	"io"
	"iter"
	"time"

	"kachery/pkg/uri"
)

// StoreFile asks the daemon to hash and register a local file.
func (c *Client) StoreFile(ctx context.Context, localPath string) (*StoreFileResponse, error) {
	var out StoreFileResponse
	if err := c.post(ctx, "storeFile", StoreFileRequest{LocalFilePath: localPath}, &out, 0); err != nil {
		return nil, err
	}
	return &out, nil
}

// LoadFile streams the daemon's progress while it fetches fk from the
// network. fromNode may be empty.
func (c *Client) LoadFile(ctx context.Context, fk uri.FileKey, fromNode string) iter.Seq2[LoadFileEvent, error] {
	req := LoadFileRequest{FileKey: fk}
	if fromNode != "" {
		req.FromNode = &fromNode
	}
	return streamRecords[LoadFileEvent](ctx, c, "loadFile", req, 0)
}

// FindFile streams the nodes that report holding fk, until the daemon's
// timeout elapses.
func (c *Client) FindFile(ctx context.Context, fk uri.FileKey, timeout time.Duration) iter.Seq2[FindFileResult, error] {
	req := FindFileRequest{FileKey: fk, TimeoutMsec: msec(timeout)}
	return streamRecords[FindFileResult](ctx, c, "findFile", req, timeout)
}

func streamRecords[T any](ctx context.Context, c *Client, endpoint string, body any, wait time.Duration) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		var zero T
		rc, err := c.stream(ctx, endpoint, body, wait)
		if err != nil {
			yield(zero, err)
			return
		}
		defer rc.Close()

		fr := NewFrameReader(rc)
		for {
			var rec T
			err := fr.Next(&rec)
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					err = ctxErr
				}
				yield(zero, err)
				return
			}
			if !yield(rec, nil) {
				return
			}
		}
	}
}
