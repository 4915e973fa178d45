package content

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// DomainContent prefixes content hashes. The version suffix allows future
// algorithm migration.
const DomainContent = "notepulse/content/v1"

// hashWithDomain computes SHA256(domain + 0x00 + data).
// The null separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// Canonical returns the deterministic JSON form of doc: normalized first,
// struct field order fixed, no HTML escaping differences across callers.
func Canonical(doc Doc) ([]byte, error) {
	data, err := Marshal(Normalize(doc))
	if err != nil {
		return nil, fmt.Errorf("canonical content: %w", err)
	}
	return data, nil
}

// Hash computes the content-addressed identity of doc. Two documents that
// render identically after normalization hash identically.
func Hash(doc Doc) (string, error) {
	data, err := Canonical(doc)
	if err != nil {
		return "", err
	}
	return hashWithDomain(DomainContent, data), nil
}
