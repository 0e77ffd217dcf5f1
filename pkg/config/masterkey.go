package config

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// masterKeySize is the AES-256 key length in bytes.
const masterKeySize = 32

// DecodeMasterKey parses SECRETS_MASTER_KEY. Accepts standard or URL-safe
// base64 and hex encodings of a 32-byte key.
func DecodeMasterKey(raw string) ([]byte, error) {
	if raw == "" {
		return nil, fmt.Errorf("SECRETS_MASTER_KEY not set")
	}

	decoders := []func(string) ([]byte, error){
		base64.StdEncoding.DecodeString,
		base64.URLEncoding.DecodeString,
		base64.RawStdEncoding.DecodeString,
		base64.RawURLEncoding.DecodeString,
		hex.DecodeString,
	}
	for _, decode := range decoders {
		key, err := decode(raw)
		if err == nil && len(key) == masterKeySize {
			return key, nil
		}
	}
	return nil, fmt.Errorf("master key must decode to %d bytes (base64 or hex)", masterKeySize)
}
