package exporter

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
)

// PrintStructure recognizes the JSON objects kachery itself stores (chunk
// manifests, feed snapshots and sha1dir indexes) and prints a summary.
// It returns false for anything else, leaving display to the caller.
func PrintStructure(data []byte, w io.Writer) (bool, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return false, nil
	}

	switch {
	case has(probe, "chunks", "sha1", "size"):
		return true, printManifest(data, w)
	case has(probe, "subfeeds"):
		return true, printSnapshot(data, w)
	case has(probe, "files", "dirs"):
		return true, printDir(data, w)
	default:
		return false, nil
	}
}

func has(m map[string]json.RawMessage, keys ...string) bool {
	for _, k := range keys {
		if _, ok := m[k]; !ok {
			return false
		}
	}
	return true
}

func printManifest(data []byte, w io.Writer) error {
	var m struct {
		Size   int64  `json:"size"`
		Sha1   string `json:"sha1"`
		Chunks []struct {
			Start int64  `json:"start"`
			End   int64  `json:"end"`
			Sha1  string `json:"sha1"`
		} `json:"chunks"`
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	fmt.Fprintf(w, "Type:   Manifest\n")
	fmt.Fprintf(w, "Sha1:   %s\n", m.Sha1)
	fmt.Fprintf(w, "Size:   %d bytes\n", m.Size)
	fmt.Fprintf(w, "Chunks: %d\n\n", len(m.Chunks))

	tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
	for _, c := range m.Chunks {
		fmt.Fprintf(tw, "%s\t%d\t%d\n", c.Sha1, c.Start, c.End)
	}
	return tw.Flush()
}

func printSnapshot(data []byte, w io.Writer) error {
	var s struct {
		Subfeeds map[string]struct {
			Messages []json.RawMessage `json:"messages"`
		} `json:"subfeeds"`
	}
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	fmt.Fprintf(w, "Type:     Feed snapshot\n")
	fmt.Fprintf(w, "Subfeeds: %d\n\n", len(s.Subfeeds))

	tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
	for _, h := range sortedKeys(s.Subfeeds) {
		fmt.Fprintf(tw, "%s\t%d messages\n", h, len(s.Subfeeds[h].Messages))
	}
	return tw.Flush()
}

type dirEntry struct {
	Files map[string]struct {
		Size int64  `json:"size"`
		Sha1 string `json:"sha1"`
	} `json:"files"`
	Dirs map[string]json.RawMessage `json:"dirs"`
}

func printDir(data []byte, w io.Writer) error {
	var d dirEntry
	if err := json.Unmarshal(data, &d); err != nil {
		return err
	}
	fmt.Fprintf(w, "Type: Directory\n\n")

	// like git ls-tree
	tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
	for _, name := range sortedKeys(d.Dirs) {
		fmt.Fprintf(tw, "dir\t-\t%s/\t-\n", name)
	}
	for _, name := range sortedKeys(d.Files) {
		f := d.Files[name]
		fmt.Fprintf(tw, "file\t%s\t%s\t%d\n", short(f.Sha1), name, f.Size)
	}
	return tw.Flush()
}

func short(h string) string {
	if len(h) > 8 {
		return h[:8]
	}
	return h
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
