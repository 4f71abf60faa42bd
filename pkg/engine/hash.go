package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/goccy/go-json"
)

const schemaHashDomain = "linkval/schema/v1"

// ComputeSchemaHash returns a content hash of the schema. Map keys are encoded
// in sorted order, so the hash is stable for equal schemas.
func ComputeSchemaHash(schema *Schema) (string, error) {
	if schema == nil {
		return "", fmt.Errorf("schema is nil")
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return "", fmt.Errorf("failed to encode schema: %w", err)
	}
	return hashWithDomain(schemaHashDomain, data), nil
}

func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}
