// Package fingerprint computes Aurora's content-addressed beam fingerprint
// (spec §4.1, C1): a 256-bit digest over the beam name, its interpolated
// shell lines, the sorted (path, content hash) pairs of every matched input
// file, and the serialized post-interpolation env.
package fingerprint

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar"
	"github.com/zeebo/blake3"

	"github.com/stevedores-org/aurora/internal/aerrors"
)

// Size is the digest width in bytes (256 bits).
const Size = 32

// Digest is a fixed-width fingerprint.
type Digest [Size]byte

func (d Digest) String() string { return fmt.Sprintf("%x", [Size]byte(d)) }

// Input describes the ordered inputs to a fingerprint computation.
type Input struct {
	BeamName   string
	Commands   []string // interpolated run/pre_hook/post_hook lines, in order
	Env        map[string]string
	WorkingDir string
	Globs      []string // input glob patterns, relative to WorkingDir
}

// Compute hashes an Input into a Digest. Glob expansion is sorted
// lexicographically for determinism; symlinks are followed and the
// resolved path is what gets recorded. A glob that resolves to zero files
// is not an error (an empty input set is valid); a file that existed at
// glob-expansion time but vanishes before it can be read raises
// InputMissing, a hard per-beam failure rather than a silent cache miss.
func Compute(in Input) (Digest, error) {
	h := blake3.New()

	writeString(h, in.BeamName)
	for _, c := range in.Commands {
		writeString(h, c)
	}

	paths, err := expandGlobs(in.WorkingDir, in.Globs)
	if err != nil {
		return Digest{}, err
	}
	for _, p := range paths {
		fileHash, err := hashFile(p)
		if err != nil {
			if os.IsNotExist(err) {
				return Digest{}, &aerrors.InputMissing{Beam: in.BeamName, Path: p}
			}
			return Digest{}, fmt.Errorf("hashing input %q: %w", p, err)
		}
		writeString(h, p)
		h.Write(fileHash[:])
	}

	envKeys := make([]string, 0, len(in.Env))
	for k := range in.Env {
		envKeys = append(envKeys, k)
	}
	sort.Strings(envKeys)
	for _, k := range envKeys {
		writeString(h, k)
		writeString(h, in.Env[k])
	}

	var out Digest
	sum := h.Sum(nil)
	copy(out[:], sum)
	return out, nil
}

// expandGlobs resolves every pattern against dir, deduplicates, resolves
// symlinks, and returns the sorted, deterministic file list.
func expandGlobs(dir string, globs []string) ([]string, error) {
	seen := make(map[string]bool)
	var out []string
	for _, pattern := range globs {
		full := pattern
		if !filepath.IsAbs(full) {
			full = filepath.Join(dir, pattern)
		}
		matches, err := doublestar.Glob(full)
		if err != nil {
			return nil, fmt.Errorf("expanding glob %q: %w", pattern, err)
		}
		for _, m := range matches {
			info, err := os.Stat(m)
			if err != nil || info.IsDir() {
				continue
			}
			resolved, err := filepath.EvalSymlinks(m)
			if err != nil {
				resolved = m
			}
			if !seen[resolved] {
				seen[resolved] = true
				out = append(out, resolved)
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

// HashFile hashes a single file's contents. Exported so the cache store can
// compute the same digest for a CacheRecord's recorded outputs as Compute
// uses for matched inputs (spec §4.2 "every recorded output file still
// exists with its recorded hash").
func HashFile(path string) (Digest, error) {
	return hashFile(path)
}

func hashFile(path string) (Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return Digest{}, err
	}
	defer f.Close()

	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return Digest{}, err
	}

	var out Digest
	copy(out[:], h.Sum(nil))
	return out, nil
}

func writeString(h *blake3.Hasher, s string) {
	h.Write([]byte(s))
	h.Write([]byte{0}) // length-delimit against accidental concatenation collisions
}
