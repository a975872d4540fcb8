package refpack

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/btangonan/nano-banana-runner-sub001/imaging"
	"github.com/btangonan/nano-banana-runner-sub001/logging"
)

// Compression targets for reference images.
const (
	compressMaxEdge = 1024
	compressQuality = 75
)

// registryConcurrency bounds in-flight reference processing.
const registryConcurrency = 5

// RegistryEntry describes one unique reference image. Exactly one entry
// exists per distinct content hash, no matter how many roles or duplicate
// files point at it.
type RegistryEntry struct {
	ID             string `json:"id"`
	Hash           string `json:"hash"`
	Path           string `json:"path"`
	Size           int64  `json:"size"`
	Compressed     bool   `json:"compressed"`
	CompressedSize int64  `json:"compressedSize,omitempty"`
	MIMEType       string `json:"mimeType"`

	// data holds the payload bytes actually attached to requests
	// (compressed when compression won, original otherwise).
	data []byte
}

// Data returns the bytes to attach for this reference.
func (e *RegistryEntry) Data() []byte { return e.data }

// Registry holds the deduplicated reference set for one submission.
// Immutable after Build returns.
type Registry struct {
	entries map[string]*RegistryEntry
	order   []string // hashes in first-seen order

	// TotalSize is the pre-compression byte total across unique entries.
	TotalSize int64
	// CompressedSize is the post-compression byte total across unique
	// entries (equals TotalSize when compression is off or never won).
	CompressedSize int64
}

// UniqueCount returns the number of distinct content hashes.
func (r *Registry) UniqueCount() int { return len(r.order) }

// Entries returns entries in first-seen order.
func (r *Registry) Entries() []*RegistryEntry {
	out := make([]*RegistryEntry, 0, len(r.order))
	for _, h := range r.order {
		out = append(out, r.entries[h])
	}
	return out
}

// Lookup returns the entry for a content hash.
func (r *Registry) Lookup(hash string) (*RegistryEntry, bool) {
	e, ok := r.entries[hash]
	return e, ok
}

// AvgPayloadSize returns the mean post-compression size of a unique entry,
// or 0 for an empty registry. Preflight's per-item estimate is built on this
// average rather than the actual per-item reference set, which can under- or
// over-estimate when items attach different references.
func (r *Registry) AvgPayloadSize() int64 {
	if len(r.order) == 0 {
		return 0
	}
	return r.CompressedSize / int64(len(r.order))
}

// HashPaths fingerprints a set of reference files by content. The result is
// stable across path order and machine, so a resumed session can detect a
// changed reference set. Unreadable files contribute their path instead of
// content rather than failing the caller.
func HashPaths(paths []string) string {
	sorted := make([]string, len(paths))
	copy(sorted, paths)
	sort.Strings(sorted)

	h := sha256.New()
	for _, p := range sorted {
		data, err := os.ReadFile(p)
		if err != nil {
			h.Write([]byte(p))
			continue
		}
		sum := sha256.Sum256(data)
		h.Write(sum[:])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// BuildRegistry reads every pack reference, deduplicates by sha256 content
// hash, and optionally recompresses raster images (longest edge 1024px, JPEG
// quality 75). Compression failures degrade to the original bytes and never
// fail the pass; an unreadable file does.
//
// Paths are processed with bounded concurrency; each unique hash is
// registered before its payload is processed, so duplicates inside one
// concurrency window collapse to a single entry.
func BuildRegistry(ctx context.Context, paths []string, compress bool, log *logging.Logger) (*Registry, error) {
	reg := &Registry{entries: make(map[string]*RegistryEntry)}

	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		firstErr error
	)
	sem := make(chan struct{}, registryConcurrency)

	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		sem <- struct{}{}
		wg.Add(1)
		go func(path string) {
			defer wg.Done()
			defer func() { <-sem }()

			entry, err := processReference(path, compress, log)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				return
			}
			if _, dup := reg.entries[entry.Hash]; dup {
				log.Debug("duplicate reference skipped",
					zap.String("path", path),
					zap.String("hash", entry.Hash))
				return
			}
			reg.entries[entry.Hash] = entry
			reg.order = append(reg.order, entry.Hash)
			reg.TotalSize += entry.Size
			if entry.Compressed {
				reg.CompressedSize += entry.CompressedSize
			} else {
				reg.CompressedSize += entry.Size
			}
		}(path)
	}
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}

	if reg.TotalSize > 0 && compress {
		log.Info("reference registry built",
			zap.Int("unique", reg.UniqueCount()),
			zap.Int64("bytes_before", reg.TotalSize),
			zap.Int64("bytes_after", reg.CompressedSize),
			zap.Float64("ratio", float64(reg.CompressedSize)/float64(reg.TotalSize)))
	}
	return reg, nil
}

// processReference reads, hashes, and optionally recompresses one file.
func processReference(path string, compress bool, log *logging.Logger) (*RegistryEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("refpack: read reference %s: %w", path, err)
	}

	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	entry := &RegistryEntry{
		ID:       hash[:12],
		Hash:     hash,
		Path:     path,
		Size:     int64(len(data)),
		MIMEType: imaging.SniffMIME(data),
		data:     data,
	}

	if !compress {
		return entry, nil
	}

	small, err := imaging.Recompress(data, compressMaxEdge, compressQuality)
	switch {
	case err != nil:
		// Non-raster or undecodable input: ship the original bytes.
		log.Warn("reference compression skipped",
			zap.String("path", path),
			zap.Error(err))
	case int64(len(small)) < entry.Size:
		entry.Compressed = true
		entry.CompressedSize = int64(len(small))
		entry.MIMEType = "image/jpeg"
		entry.data = small
	}
	return entry, nil
}
