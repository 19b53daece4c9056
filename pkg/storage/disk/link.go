package disk

import (
	"encoding/json"
	"fmt"
	"math"
	"os"

	"kachery/pkg/types"
)

// LinkRecord is the JSON body of <digest>.link.
type LinkRecord struct {
	Path         string      `json:"path"`
	ManifestHash *types.Hash `json:"manifest_hash"`
	Stat         LinkStat    `json:"stat"`
}

// LinkStat is the (size, mtime) snapshot taken when the file was linked.
// Mtime is in fractional seconds since the epoch.
type LinkStat struct {
	Size  int64   `json:"size"`
	Mtime float64 `json:"mtime"`
}

// tolerance for mtimes written by other clients with float rounding
const mtimeEpsilon = 1e-6

func statOf(info os.FileInfo) LinkStat {
	return LinkStat{
		Size:  info.Size(),
		Mtime: float64(info.ModTime().UnixNano()) / 1e9,
	}
}

// Matches reports whether info still describes the linked file.
func (st LinkStat) Matches(info os.FileInfo) bool {
	cur := statOf(info)
	return cur.Size == st.Size && math.Abs(cur.Mtime-st.Mtime) < mtimeEpsilon
}

func readLinkRecord(path string) (*LinkRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rec LinkRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("corrupted link record %s: %w", path, err)
	}
	if rec.Path == "" {
		return nil, fmt.Errorf("problem with link (no path field): %s", path)
	}
	return &rec, nil
}
