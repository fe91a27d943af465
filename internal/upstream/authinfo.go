package upstream

import (
	"encoding/json"
	"fmt"
	"os"
)

// EnvAuthFile overrides the auth-info file location.
const EnvAuthFile = "RELAY_AUTH_FILE"

// AuthInfo carries the identity headers the legacy backend expects
// alongside the bearer token.
type AuthInfo struct {
	UserID       string `json:"uid"`
	EnterpriseID string `json:"enterprise_id"`
	TenantID     string `json:"tenant_id"`
	Domain       string `json:"domain"`
}

// LoadAuthInfo reads the auth-info file, preferring the RELAY_AUTH_FILE
// env var over defaultPath. A missing file is not an error; identity
// headers are simply omitted.
func LoadAuthInfo(defaultPath string) (*AuthInfo, error) {
	path := os.Getenv(EnvAuthFile)
	if path == "" {
		path = defaultPath
	}
	if path == "" {
		return &AuthInfo{}, nil
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &AuthInfo{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read auth info %s: %w", path, err)
	}

	var info AuthInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("failed to parse auth info %s: %w", path, err)
	}
	return &info, nil
}
