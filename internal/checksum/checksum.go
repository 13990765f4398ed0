// Package checksum computes the content fingerprints that drive incremental
// build decisions.
//
// Every function here is pure with respect to its inputs. The input checksum
// is compared byte-for-byte against stored history, so its construction
// (order of operands and the "\n" separator) must never change.
package checksum

import (
	_ "crypto/sha256" // registers SHA-256 for digest.Canonical
	"fmt"
	"io"
	"os"

	"github.com/opencontainers/go-digest"
)

// Fingerprint returns the lowercase hex SHA-256 of b.
func Fingerprint(b []byte) string {
	return digest.FromBytes(b).Encoded()
}

// InputChecksum combines a tree commit and a config checksum into the image
// input checksum: Fingerprint(treeCommit + "\n" + configChecksum).
func InputChecksum(treeCommit, configChecksum string) string {
	buf := make([]byte, 0, len(treeCommit)+1+len(configChecksum))
	buf = append(buf, treeCommit...)
	buf = append(buf, '\n')
	buf = append(buf, configChecksum...)
	return Fingerprint(buf)
}

// ConfigChecksum fingerprints the canonical JSON form of a decoded
// configuration document. Two documents that differ only in formatting,
// key order or Unicode normalization have the same checksum.
func ConfigChecksum(v any) (string, error) {
	data, err := MarshalCanonical(v)
	if err != nil {
		return "", fmt.Errorf("config checksum: %w", err)
	}
	return Fingerprint(data), nil
}

// FileDigest streams the file at path and returns its lowercase hex SHA-256
// and size in bytes.
func FileDigest(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	d := digest.Canonical.Digester()
	n, err := io.Copy(d.Hash(), f)
	if err != nil {
		return "", 0, fmt.Errorf("digest %s: %w", path, err)
	}
	return d.Digest().Encoded(), n, nil
}
