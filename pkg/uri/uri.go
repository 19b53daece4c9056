// Package uri parses and builds kachery URIs:
//
//	sha1://<hash>[/<basename>][?manifest=<hash>][&chunkOf=<hash>~<start>~<end>]
//	sha1dir://<hash>[/<path>]
//	feed://<feed id>[/<escaped subfeed name>]
//	sha1://<hash>?subfeedName=<escaped name>   (subfeed of a snapshot)
package uri

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"kachery/pkg/types"
)

var ErrInvalidURI = errors.New("invalid kachery uri")

const (
	SchemeSha1    = "sha1"
	SchemeSha1Dir = "sha1dir"
	SchemeFeed    = "feed"
)

// URI is a parsed kachery URI. For feed URIs Hash holds the feed id.
type URI struct {
	Scheme string
	Hash   string
	Path   string // everything after the first path separator, unescaped
	Query  url.Values
}

// Parse splits s into its parts. Any '?' after the first is read as '&', so
// "sha1://h?manifest=m?chunkOf=..." keeps both parameters.
func Parse(s string) (*URI, error) {
	scheme, rest, ok := strings.Cut(s, "://")
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidURI, s)
	}
	switch scheme {
	case SchemeSha1, SchemeSha1Dir, SchemeFeed:
	default:
		return nil, fmt.Errorf("%w: unexpected protocol %q", ErrInvalidURI, scheme)
	}

	rest, rawQuery, _ := strings.Cut(rest, "?")
	query, err := url.ParseQuery(strings.ReplaceAll(rawQuery, "?", "&"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURI, err)
	}

	head, path, _ := strings.Cut(rest, "/")
	if head == "" {
		return nil, fmt.Errorf("%w: missing hash in %q", ErrInvalidURI, s)
	}
	u := &URI{Scheme: scheme, Query: query}
	if scheme == SchemeFeed {
		u.Hash = head
		if u.Path, err = url.PathUnescape(path); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidURI, err)
		}
		return u, nil
	}

	// "sha1://<hash>.ext" names a file with an extension
	head, _, _ = strings.Cut(head, ".")
	if _, ok := types.ParseHash(head); !ok {
		return nil, fmt.Errorf("%w: bad digest %q", ErrInvalidURI, head)
	}
	u.Hash = head
	u.Path = path
	return u, nil
}

// Digest returns the content digest of a sha1/sha1dir URI.
func (u *URI) Digest() types.Hash { return types.Hash(u.Hash) }

// ManifestHash returns the ?manifest= parameter, if any.
func (u *URI) ManifestHash() types.Hash { return types.Hash(u.Query.Get("manifest")) }

// SubfeedName returns the ?subfeedName= parameter of a snapshot subfeed URI.
func (u *URI) SubfeedName() (string, bool) {
	if !u.Query.Has("subfeedName") {
		return "", false
	}
	return u.Query.Get("subfeedName"), true
}

// FileKey is the daemon's description of a file to load or find.
type FileKey struct {
	Sha1         types.Hash `json:"sha1"`
	ManifestSha1 types.Hash `json:"manifestSha1,omitempty"`
	ChunkOf      *ChunkOf   `json:"chunkOf,omitempty"`
}

// ChunkOf identifies a blob as bytes [StartByte, EndByte) of a parent file.
type ChunkOf struct {
	FileKey   FileKey `json:"fileKey"`
	StartByte int64   `json:"startByte"`
	EndByte   int64   `json:"endByte"`
}

// FileKey builds the daemon file key for a sha1 URI.
func (u *URI) FileKey() (FileKey, error) {
	if u.Scheme != SchemeSha1 {
		return FileKey{}, fmt.Errorf("%w: no file key for %s://", ErrInvalidURI, u.Scheme)
	}
	fk := FileKey{Sha1: u.Digest(), ManifestSha1: u.ManifestHash()}
	if v := u.Query.Get("chunkOf"); v != "" {
		parts := strings.Split(v, "~")
		if len(parts) != 3 {
			return FileKey{}, fmt.Errorf("%w: unexpected chunkOf %q", ErrInvalidURI, v)
		}
		start, err1 := strconv.ParseInt(parts[1], 10, 64)
		end, err2 := strconv.ParseInt(parts[2], 10, 64)
		if err1 != nil || err2 != nil {
			return FileKey{}, fmt.Errorf("%w: unexpected chunkOf %q", ErrInvalidURI, v)
		}
		parent, ok := types.ParseHash(parts[0])
		if !ok {
			return FileKey{}, fmt.Errorf("%w: bad chunkOf digest %q", ErrInvalidURI, parts[0])
		}
		fk.ChunkOf = &ChunkOf{
			FileKey:   FileKey{Sha1: parent},
			StartByte: start,
			EndByte:   end,
		}
	}
	return fk, nil
}

// BlobURI renders sha1://<hash>[/<basename>][?manifest=<manifest>].
func BlobURI(hash types.Hash, basename string, manifest types.Hash) string {
	s := SchemeSha1 + "://" + hash.String()
	if basename != "" {
		s += "/" + basename
	}
	if !manifest.IsZero() {
		s += "?manifest=" + manifest.String()
	}
	return s
}

// ChunkURI renders the URI of bytes [start, end) of parent.
func ChunkURI(chunk, parent types.Hash, start, end int64) string {
	return fmt.Sprintf("%s://%s?chunkOf=%s~%d~%d", SchemeSha1, chunk, parent, start, end)
}

// DirURI renders sha1dir://<hash>[/<path>].
func DirURI(hash types.Hash, path string) string {
	s := SchemeSha1Dir + "://" + hash.String()
	if path != "" {
		s += "/" + path
	}
	return s
}

// FeedURI renders feed://<id>[/<escaped subfeed name>].
func FeedURI(feedID, subfeedName string) string {
	s := SchemeFeed + "://" + feedID
	if subfeedName != "" {
		s += "/" + url.PathEscape(subfeedName)
	}
	return s
}

// SnapshotSubfeedURI renders the URI of one subfeed inside a snapshot blob.
func SnapshotSubfeedURI(snapshot types.Hash, subfeedName string) string {
	// spaces as %20, not +
	escaped := strings.ReplaceAll(url.QueryEscape(subfeedName), "+", "%20")
	return SchemeSha1 + "://" + snapshot.String() + "?subfeedName=" + escaped
}
