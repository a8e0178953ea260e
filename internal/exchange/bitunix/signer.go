package bitunix

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// Sign produces the double SHA-256 request signature the exchange
// expects on authenticated endpoints. queryParams is the canonical
// key-value concatenation of the query string and body is the raw JSON
// payload; either may be empty.
func Sign(secret, nonce, ts, apiKey, queryParams, body string) string {
	h1 := sha256.Sum256([]byte(nonce + ts + apiKey + queryParams + body))
	h2 := sha256.Sum256([]byte(hex.EncodeToString(h1[:]) + secret))
	return hex.EncodeToString(h2[:])
}

// canonicalQuery concatenates query parameters as key+value pairs in
// ascending key order, the form the exchange hashes.
func canonicalQuery(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(params[k])
	}
	return b.String()
}
