package driveops

import (
	"encoding/base64"
	"fmt"
	"io"
	"os"

	"github.com/nimbusfs/sync/internal/remoteapi"
	"github.com/nimbusfs/sync/pkg/filehash"
)

// SelectHash returns the best available content hash from the item, preferring
// FileHash (most common), falling back to SHA256Hash, then SHA1Hash.
// Returns empty string if no hash is available — the caller must handle
// hash-less items appropriately (typically skipping verification) (B-021).
func SelectHash(item *remoteapi.Item) string {
	if item.FileHash != "" {
		return item.FileHash
	}

	if item.SHA256Hash != "" {
		return item.SHA256Hash
	}

	return item.SHA1Hash
}

// ComputeFileHash computes the FileHash of a file and returns the
// base64-encoded digest. Uses streaming I/O (constant memory).
func ComputeFileHash(fsPath string) (string, error) {
	f, err := os.Open(fsPath)
	if err != nil {
		return "", fmt.Errorf("opening %s for hashing: %w", fsPath, err)
	}
	defer f.Close()

	h := filehash.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hashing %s: %w", fsPath, err)
	}

	return base64.StdEncoding.EncodeToString(h.Sum(nil)), nil
}
