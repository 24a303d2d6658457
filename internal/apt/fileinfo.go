package apt

import (
	"bytes"
	"crypto/md5" // #nosec G501 - MD5 required for APT repository compatibility
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"io"

	"github.com/cockroachdb/errors"
)

// Checksums holds checksum values for a file.
// A nil value for any checksum means it is not available or not required.
type Checksums struct {
	MD5    []byte
	SHA256 []byte
	SHA512 []byte
}

// FileInfo is a set of meta data of a downloadable file.
type FileInfo struct {
	path      string
	size      uint64
	checksums Checksums
}

// MakeFileInfo constructs a FileInfo from known metadata.
// Checksum strings are hex encoded; empty strings are treated as absent.
func MakeFileInfo(path string, size uint64, md5sum, sha256sum, sha512sum string) (*FileInfo, error) {
	fi := &FileInfo{
		path: path,
		size: size,
	}
	for _, c := range []struct {
		hexsum string
		dst    *[]byte
	}{
		{md5sum, &fi.checksums.MD5},
		{sha256sum, &fi.checksums.SHA256},
		{sha512sum, &fi.checksums.SHA512},
	} {
		if c.hexsum == "" {
			continue
		}
		sum, err := hex.DecodeString(c.hexsum)
		if err != nil {
			return nil, errors.Wrap(err, "MakeFileInfo: "+path)
		}
		*c.dst = sum
	}
	return fi, nil
}

// MakeFileInfoNoChecksum constructs a FileInfo without checksums.
func MakeFileInfoNoChecksum(path string, size uint64) *FileInfo {
	return &FileInfo{
		path: path,
		size: size,
	}
}

// Same returns true if t has the same size and checksum values.
// Only checksums present on fi are compared.
func (fi *FileInfo) Same(t *FileInfo) bool {
	if fi == t {
		return true
	}
	if t == nil {
		return false
	}
	if fi.path != t.path {
		return false
	}
	if fi.size != t.size {
		return false
	}
	if fi.checksums.MD5 != nil && !bytes.Equal(fi.checksums.MD5, t.checksums.MD5) {
		return false
	}
	if fi.checksums.SHA256 != nil && !bytes.Equal(fi.checksums.SHA256, t.checksums.SHA256) {
		return false
	}
	if fi.checksums.SHA512 != nil && !bytes.Equal(fi.checksums.SHA512, t.checksums.SHA512) {
		return false
	}
	return true
}

// Path returns the identifying path string of the file.
func (fi *FileInfo) Path() string {
	return fi.path
}

// Size returns the number of bytes of the file body.
func (fi *FileInfo) Size() uint64 {
	return fi.size
}

// HasChecksum returns true if fi carries at least one checksum.
func (fi *FileInfo) HasChecksum() bool {
	return fi.checksums.MD5 != nil || fi.checksums.SHA256 != nil || fi.checksums.SHA512 != nil
}

// SHA256Sum returns the hex encoded SHA256 checksum, or "" if absent.
func (fi *FileInfo) SHA256Sum() string {
	if fi.checksums.SHA256 == nil {
		return ""
	}
	return hex.EncodeToString(fi.checksums.SHA256)
}

// CopyWithFileInfo copies from src to dst until either EOF is reached
// on src or an error occurs, and returns FileInfo calculated while copying.
func CopyWithFileInfo(dst io.Writer, src io.Reader, p string) (*FileInfo, error) {
	md5hash := md5.New() // #nosec G401 - MD5 required for APT repository compatibility
	sha256hash := sha256.New()
	sha512hash := sha512.New()

	w := io.MultiWriter(md5hash, sha256hash, sha512hash, dst)
	n, err := io.Copy(w, src)
	if err != nil {
		return nil, err
	}

	return &FileInfo{
		path: p,
		size: uint64(n), // #nosec G115 - io.Copy returns int64, n >= 0
		checksums: Checksums{
			MD5:    md5hash.Sum(nil),
			SHA256: sha256hash.Sum(nil),
			SHA512: sha512hash.Sum(nil),
		},
	}, nil
}
