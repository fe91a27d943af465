package credentials

import (
	"io"
	"os"
	"regexp"
)

// EnvClientID overrides all other client id sources.
const EnvClientID = "OAUTH_CLIENT_ID"

// clientIDPattern matches the embedded `clientId:"<32 hex>"` literal that
// companion binaries carry.
var clientIDPattern = regexp.MustCompile(`clientId:"([0-9a-f]{32})"`)

// DiscoverClientID resolves the OAuth client id in precedence order:
// OAUTH_CLIENT_ID env, explicit configured value, a text scan of a sibling
// binary, then the compiled-in fallback.
func DiscoverClientID(configured, binaryPath, fallback string) string {
	if v := os.Getenv(EnvClientID); v != "" {
		return v
	}
	if configured != "" {
		return configured
	}
	if binaryPath != "" {
		if id, ok := scanBinaryForClientID(binaryPath); ok {
			return id
		}
	}
	return fallback
}

// scanBinaryForClientID extracts a 32-hex-digit client id from a binary.
func scanBinaryForClientID(path string) (string, bool) {
	f, err := os.Open(path)
	if err != nil {
		return "", false
	}
	defer f.Close()

	// Binaries run tens of MB; cap the scan.
	data, err := io.ReadAll(io.LimitReader(f, 256<<20))
	if err != nil {
		return "", false
	}
	m := clientIDPattern.FindSubmatch(data)
	if m == nil {
		return "", false
	}
	return string(m[1]), true
}
