package orchtools

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
)

// ChecksumType identifies a supported digest algorithm.
type ChecksumType string

const (
	SHA1   ChecksumType = "SHA1"
	SHA256 ChecksumType = "SHA256"
	SHA512 ChecksumType = "SHA512"
	MD5    ChecksumType = "MD5"
)

// ValidChecksumType reports whether t is one of the four supported
// algorithms.
func ValidChecksumType(t ChecksumType) bool {
	switch t {
	case SHA1, SHA256, SHA512, MD5:
		return true
	}
	return false
}

// CalculateChecksum returns the hex digest of the file at path using the
// given algorithm.
func CalculateChecksum(typ ChecksumType, path string) (string, error) {
	var h hash.Hash
	switch typ {
	case SHA1:
		h = sha1.New()
	case SHA256:
		h = sha256.New()
	case SHA512:
		h = sha512.New()
	case MD5:
		h = md5.New()
	default:
		return "", fmt.Errorf("unsupported checksum type %q", typ)
	}

	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s for checksum: %w", path, err)
	}
	defer f.Close()

	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// CalculateChecksumBytes returns the hex digest of data using the given
// algorithm, without touching the filesystem.
func CalculateChecksumBytes(typ ChecksumType, data []byte) (string, error) {
	var h hash.Hash
	switch typ {
	case SHA1:
		h = sha1.New()
	case SHA256:
		h = sha256.New()
	case SHA512:
		h = sha512.New()
	case MD5:
		h = md5.New()
	default:
		return "", fmt.Errorf("unsupported checksum type %q", typ)
	}
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil)), nil
}
