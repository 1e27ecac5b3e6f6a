// Package cache stores and replays task outputs keyed by node hash. Entries
// are opaque byte containers (deterministic tar wrapped in zstd) so the same
// bytes round-trip through the local filesystem store and any remote store.
package cache

import (
	"archive/tar"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
)

const (
	entryMetaName   = "meta.json"
	entryLogName    = "log"
	entryOutputsDir = "outputs"
	entrySchema     = 1
)

// FileEntry is one captured output file. Path is package-relative with
// forward slashes, so an entry replays into any clone's package directory.
type FileEntry struct {
	Path string
	Mode fs.FileMode
	Body []byte
}

// Metadata travels inside the entry container.
type Metadata struct {
	Schema     int    `json:"schemaVersion"`
	Hash       string `json:"hash"`
	DurationMS int64  `json:"durationMs"`
	ExitCode   int    `json:"exitCode"`
}

// Entry is the decoded form of one cache container.
type Entry struct {
	Hash  string
	Log   []byte
	Files []FileEntry
	Meta  Metadata
}

// Duration returns the recorded execution time of the original run.
func (e *Entry) Duration() time.Duration {
	return time.Duration(e.Meta.DurationMS) * time.Millisecond
}

// Encode serializes the entry into its container bytes. Member order, file
// modes, and timestamps are fixed, so identical entries encode to identical
// bytes.
func (e *Entry) Encode() ([]byte, error) {
	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd writer: %w", err)
	}
	tw := tar.NewWriter(zw)

	meta := e.Meta
	meta.Schema = entrySchema
	meta.Hash = e.Hash
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal entry metadata: %w", err)
	}
	if err := writeTarFile(tw, entryMetaName, 0o644, metaBytes); err != nil {
		return nil, err
	}
	if err := writeTarFile(tw, entryLogName, 0o644, e.Log); err != nil {
		return nil, err
	}

	files := append([]FileEntry(nil), e.Files...)
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	for _, f := range files {
		if err := validateEntryPath(f.Path); err != nil {
			return nil, err
		}
		name := path.Join(entryOutputsDir, f.Path)
		if err := writeTarFile(tw, name, f.Mode.Perm(), f.Body); err != nil {
			return nil, err
		}
	}

	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish tar stream: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish zstd stream: %w", err)
	}
	return buf.Bytes(), nil
}

func writeTarFile(tw *tar.Writer, name string, mode fs.FileMode, body []byte) error {
	hdr := &tar.Header{
		Name:    name,
		Mode:    int64(mode.Perm()),
		Size:    int64(len(body)),
		ModTime: time.Unix(0, 0),
		Format:  tar.FormatPAX,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("failed to write tar header for %s: %w", name, err)
	}
	if _, err := tw.Write(body); err != nil {
		return fmt.Errorf("failed to write tar body for %s: %w", name, err)
	}
	return nil
}

// Decode parses container bytes back into an Entry.
func Decode(data []byte) (*Entry, error) {
	zr, err := zstd.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to open zstd stream: %w", err)
	}
	defer zr.Close()

	entry := &Entry{}
	sawMeta := false
	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read tar stream: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		body, err := io.ReadAll(tr)
		if err != nil {
			return nil, fmt.Errorf("failed to read tar member %s: %w", hdr.Name, err)
		}
		switch {
		case hdr.Name == entryMetaName:
			if err := json.Unmarshal(body, &entry.Meta); err != nil {
				return nil, fmt.Errorf("failed to parse entry metadata: %w", err)
			}
			if entry.Meta.Schema < 1 {
				return nil, fmt.Errorf("cache entry has invalid schema version %d", entry.Meta.Schema)
			}
			if entry.Meta.Schema > entrySchema {
				return nil, fmt.Errorf("cache entry schema version %d is newer than supported (%d)", entry.Meta.Schema, entrySchema)
			}
			entry.Hash = entry.Meta.Hash
			sawMeta = true
		case hdr.Name == entryLogName:
			entry.Log = body
		case strings.HasPrefix(hdr.Name, entryOutputsDir+"/"):
			rel := strings.TrimPrefix(hdr.Name, entryOutputsDir+"/")
			if err := validateEntryPath(rel); err != nil {
				return nil, err
			}
			entry.Files = append(entry.Files, FileEntry{
				Path: rel,
				Mode: fs.FileMode(hdr.Mode).Perm(),
				Body: body,
			})
		}
	}
	if !sawMeta {
		return nil, errors.New("cache entry has no metadata member")
	}
	return entry, nil
}

func validateEntryPath(p string) error {
	if p == "" || path.IsAbs(p) || p != path.Clean(p) || strings.HasPrefix(p, "..") {
		return fmt.Errorf("unsafe cache entry path %q", p)
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return fmt.Errorf("unsafe cache entry path %q", p)
		}
	}
	return nil
}
