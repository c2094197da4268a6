// Package checksum verifies downloaded files against "algorithm:hexdigest"
// strings.
package checksum

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"

	"github.com/datallboy/presetdl/internal/domain"
)

const blockSize = 1024 * 1024

// ErrUnsupportedAlgorithm is returned for algorithms other than sha256.
// Callers treat it as a configuration warning, not a failed download.
var ErrUnsupportedAlgorithm = errors.New("unsupported checksum algorithm")

// ErrMalformed is returned when the digest part is not valid hex of the
// expected length.
var ErrMalformed = errors.New("malformed checksum")

// Expected is a parsed checksum.
type Expected struct {
	Algorithm string
	Digest    []byte
}

func (e Expected) String() string {
	return e.Algorithm + ":" + hex.EncodeToString(e.Digest)
}

// Parse reads "sha256:<hex>". A bare 64 character hex string is taken as sha256.
func Parse(s string) (Expected, error) {
	s = strings.TrimSpace(s)
	algo, digest, found := strings.Cut(s, ":")
	if !found {
		algo, digest = "sha256", s
	}
	algo = strings.ToLower(strings.TrimSpace(algo))
	digest = strings.ToLower(strings.TrimSpace(digest))

	if algo != "sha256" {
		return Expected{}, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, algo)
	}

	raw, err := hex.DecodeString(digest)
	if err != nil || len(raw) != sha256.Size {
		return Expected{}, fmt.Errorf("%w: %q", ErrMalformed, s)
	}
	return Expected{Algorithm: algo, Digest: raw}, nil
}

func newHash(algo string) (hash.Hash, error) {
	switch algo {
	case "sha256":
		return sha256.New(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, algo)
	}
}

// Sum hashes everything read from r in fixed size blocks, stopping early if
// ctx is cancelled.
func Sum(ctx context.Context, algo string, r io.Reader) ([]byte, error) {
	h, err := newHash(algo)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, blockSize)
	for {
		if err := ctx.Err(); err != nil {
			return nil, context.Cause(ctx)
		}
		n, rerr := r.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return nil, rerr
		}
	}
	return h.Sum(nil), nil
}

// SumFile is Sum over the file at path.
func SumFile(ctx context.Context, algo, path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Sum(ctx, algo, f)
}

// VerifyFile compares the digest of path with expected. A mismatch returns
// an error wrapping domain.ErrChecksumMismatch.
func VerifyFile(ctx context.Context, path string, expected Expected) error {
	got, err := SumFile(ctx, expected.Algorithm, path)
	if err != nil {
		return fmt.Errorf("hashing %s: %w", path, err)
	}
	if subtle.ConstantTimeCompare(got, expected.Digest) != 1 {
		return fmt.Errorf("%w: expected %s, got %s:%s", domain.ErrChecksumMismatch,
			expected, expected.Algorithm, hex.EncodeToString(got))
	}
	return nil
}
