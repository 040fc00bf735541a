// Package digest computes and parses the content digests that name blobs.
// The hash algorithm of a digest is resolved once, from the length of its
// hex encoding, and carried alongside the hex string from then on.
package digest

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"strings"

	"github.com/spf13/afero"
)

// ErrInvalidDigest is returned when a string is not a hex digest of a known algorithm.
var ErrInvalidDigest = errors.New("invalid digest")

// ErrUnknownAlgorithm is returned when an algorithm name is not supported.
var ErrUnknownAlgorithm = errors.New("unknown digest algorithm")

// Algorithm identifies a supported hash function.
type Algorithm int

const (
	Unknown Algorithm = iota
	MD5
	SHA1
	SHA256
)

// Default is the algorithm used when none is configured.
const Default = MD5

var algorithms = []Algorithm{MD5, SHA1, SHA256}

// String returns the canonical algorithm name.
func (a Algorithm) String() string {
	switch a {
	case MD5:
		return "MD5"
	case SHA1:
		return "SHA-1"
	case SHA256:
		return "SHA-256"
	default:
		return "unknown"
	}
}

// HexLen returns the length of a hex-encoded digest produced by the algorithm.
func (a Algorithm) HexLen() int {
	switch a {
	case MD5:
		return md5.Size * 2
	case SHA1:
		return sha1.Size * 2
	case SHA256:
		return sha256.Size * 2
	default:
		return 0
	}
}

// New returns a fresh hash.Hash for the algorithm.
func (a Algorithm) New() hash.Hash {
	switch a {
	case MD5:
		return md5.New()
	case SHA1:
		return sha1.New()
	case SHA256:
		return sha256.New()
	default:
		panic(fmt.Sprintf("digest: no hash for algorithm %d", int(a)))
	}
}

// ParseAlgorithm resolves an algorithm name. Matching ignores case and dashes,
// so "sha1", "SHA-1" and "Sha1" are equivalent.
func ParseAlgorithm(name string) (Algorithm, error) {
	norm := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(name), "-", ""))
	for _, a := range algorithms {
		if strings.ReplaceAll(a.String(), "-", "") == norm {
			return a, nil
		}
	}
	return Unknown, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, name)
}

// Digest is a parsed content digest.
type Digest struct {
	Algorithm Algorithm
	Hex       string
}

// String returns the lowercase hex encoding.
func (d Digest) String() string {
	return d.Hex
}

// IsZero reports whether d is the zero value.
func (d Digest) IsZero() bool {
	return d.Hex == ""
}

// Parse parses a hex digest and resolves its algorithm from the length.
// Uppercase hex is accepted and normalized to lowercase.
func Parse(s string) (Digest, error) {
	h := strings.ToLower(strings.TrimSpace(s))
	alg := algorithmForLen(len(h))
	if alg == Unknown {
		return Digest{}, fmt.Errorf("%w: %q has length %d", ErrInvalidDigest, s, len(h))
	}
	if _, err := hex.DecodeString(h); err != nil {
		return Digest{}, fmt.Errorf("%w: %q is not hex", ErrInvalidDigest, s)
	}
	return Digest{Algorithm: alg, Hex: h}, nil
}

// MustParse is like Parse but panics on error.
func MustParse(s string) Digest {
	d, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return d
}

func algorithmForLen(n int) Algorithm {
	for _, a := range algorithms {
		if a.HexLen() == n {
			return a
		}
	}
	return Unknown
}

// Sum returns the digest of h's current state.
func Sum(alg Algorithm, h hash.Hash) Digest {
	return Digest{Algorithm: alg, Hex: hex.EncodeToString(h.Sum(nil))}
}

// Of returns the digest of data.
func Of(alg Algorithm, data []byte) Digest {
	h := alg.New()
	h.Write(data)
	return Sum(alg, h)
}

// Copy streams src into dst while hashing it. It returns the digest of the
// bytes copied and their count. The payload is never buffered in full.
func Copy(dst io.Writer, src io.Reader, alg Algorithm) (Digest, int64, error) {
	h := alg.New()
	n, err := io.Copy(io.MultiWriter(dst, h), src)
	if err != nil {
		return Digest{}, n, err
	}
	return Sum(alg, h), n, nil
}

// OfFile digests the file at path on fs.
func OfFile(fs afero.Fs, path string, alg Algorithm) (Digest, int64, error) {
	f, err := fs.Open(path)
	if err != nil {
		return Digest{}, 0, err
	}
	defer f.Close()
	return Copy(io.Discard, f, alg)
}
