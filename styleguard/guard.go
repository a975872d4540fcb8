// Package styleguard gates generated images against style references.
//
// References in style-only mode may influence palette, texture, and mood,
// but must not be reproduced structurally. The guard compares perceptual
// fingerprints and rejects an output that lands too close to any reference.
// The gate is approximate, so both false positives and false negatives are
// possible and accepted.
package styleguard

import (
	"os"

	"go.uber.org/zap"

	"github.com/btangonan/nano-banana-runner-sub001/imaging"
	"github.com/btangonan/nano-banana-runner-sub001/logging"
)

// Guard holds the reference fingerprints and the similarity threshold.
// A generated image whose Hamming distance to ANY reference is at or below
// MaxDistance fails the guard.
type Guard struct {
	refs        []imaging.Fingerprint
	maxDistance int
	log         *logging.Logger
}

// New builds a Guard from raw reference image bytes.
func New(refs [][]byte, maxDistance int, log *logging.Logger) *Guard {
	g := &Guard{maxDistance: maxDistance, log: log.Named("styleguard")}
	for _, data := range refs {
		fp, err := imaging.FingerprintBytes(data)
		if err != nil {
			g.log.Warn("skipping undecodable style reference", zap.Error(err))
			continue
		}
		g.refs = append(g.refs, fp)
	}
	return g
}

// NewFromPaths builds a Guard by reading reference files. Missing or
// unreadable files are skipped, not treated as failures.
func NewFromPaths(paths []string, maxDistance int, log *logging.Logger) *Guard {
	refs := make([][]byte, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			log.Warn("skipping unreadable style reference",
				zap.String("path", p),
				zap.Error(err))
			continue
		}
		refs = append(refs, data)
	}
	return New(refs, maxDistance, log)
}

// RefCount returns the number of usable reference fingerprints.
func (g *Guard) RefCount() int { return len(g.refs) }

// Passes reports whether a generated image clears the guard. With no usable
// references there is nothing to copy from, so everything passes.
//
// An undecodable generated payload fails: if we cannot fingerprint it, we
// cannot clear it, and the payload is unusable downstream anyway.
func (g *Guard) Passes(generated []byte) bool {
	if len(g.refs) == 0 {
		return true
	}
	fp, err := imaging.FingerprintBytes(generated)
	if err != nil {
		g.log.Warn("generated image undecodable", zap.Error(err))
		return false
	}
	for i, ref := range g.refs {
		if d := imaging.Distance(fp, ref); d <= g.maxDistance {
			g.log.Info("style guard rejection",
				zap.Int("reference", i),
				zap.Int("distance", d),
				zap.Int("max_distance", g.maxDistance))
			return false
		}
	}
	return true
}
