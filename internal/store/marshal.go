package store

import (
	"fmt"
	"time"

	"github.com/roach88/notepulse/internal/content"
)

// marshalContent returns canonical JSON TEXT and its hash for storage.
func marshalContent(doc content.Doc) (string, string, error) {
	data, err := content.Canonical(doc)
	if err != nil {
		return "", "", fmt.Errorf("marshal content: %w", err)
	}
	hash, err := content.Hash(doc)
	if err != nil {
		return "", "", fmt.Errorf("marshal content: %w", err)
	}
	return string(data), hash, nil
}

// unmarshalContent parses stored JSON TEXT. Rows are validated on the way
// in, so a failure here means the database was edited out of band.
func unmarshalContent(data string) (content.Doc, error) {
	doc, err := content.Parse([]byte(data))
	if err != nil {
		return content.Doc{}, fmt.Errorf("unmarshal content: %w", err)
	}
	return doc, nil
}

// toMicros converts t to the INTEGER column representation.
func toMicros(t time.Time) int64 {
	return t.UTC().UnixMicro()
}

// fromMicros is the inverse of toMicros.
func fromMicros(us int64) time.Time {
	return time.UnixMicro(us).UTC()
}
