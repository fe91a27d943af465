package credentials

import (
	"bufio"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// Env vars for credential bootstrap.
const (
	// EnvToken supplies a static access token directly.
	EnvToken = "RELAY_OAUTH_TOKEN"

	// EnvConfigPath overrides the credential file path.
	EnvConfigPath = "RELAY_OAUTH_CONFIG"
)

// Source identifies where the boot credential came from.
type Source string

const (
	SourceEnv  Source = "env"
	SourceGit  Source = "git-credentials"
	SourceFile Source = "file"
	SourceNone Source = "none"
)

// BootstrapConfig configures credential discovery.
type BootstrapConfig struct {
	// FilePath is the credential JSON path. EnvConfigPath overrides it.
	FilePath string

	// GitCredentialsPath is the git-credentials file to scan; empty uses
	// ~/.git-credentials.
	GitCredentialsPath string

	// GitHost and GitUser select the git-credentials entry to treat as an
	// access token.
	GitHost string
	GitUser string
}

// Bootstrap loads the initial key using the precedence
// env token → git-credentials → credential file, and installs it in a new
// store. Env and git tokens are static (no refresh, no watcher).
func Bootstrap(cfg BootstrapConfig) (*Store, Source, error) {
	path := cfg.FilePath
	if v := os.Getenv(EnvConfigPath); v != "" {
		path = v
	}

	// 1. Environment token: static, externally managed.
	if token := strings.TrimSpace(os.Getenv(EnvToken)); token != "" {
		store := NewStore("") // no persistence for env tokens
		store.SetIfNewer(OAuthKey{AccessToken: token})
		return store, SourceEnv, nil
	}

	// 2. git-credentials entry: static.
	if cfg.GitHost != "" {
		if token, ok := loadGitCredential(cfg.GitCredentialsPath, cfg.GitHost, cfg.GitUser); ok {
			store := NewStore("")
			store.SetIfNewer(OAuthKey{AccessToken: token})
			return store, SourceGit, nil
		}
	}

	// 3. Credential file: dynamic, refresh enabled.
	store := NewStore(path)
	if path != "" {
		key, err := ReadKeyFile(path)
		if err == nil {
			store.SetIfNewer(key)
			return store, SourceFile, nil
		}
		if !os.IsNotExist(err) {
			return store, SourceNone, fmt.Errorf("cannot load credential file: %w", err)
		}
	}
	return store, SourceNone, nil
}

// loadGitCredential scans a git-credentials file for an entry whose host
// and username match, returning its password as the access token.
func loadGitCredential(path, host, user string) (string, bool) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", false
		}
		path = filepath.Join(home, ".git-credentials")
	}

	f, err := os.Open(path)
	if err != nil {
		return "", false
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		u, err := url.Parse(line)
		if err != nil || u.User == nil {
			continue
		}
		if u.Host != host {
			continue
		}
		if user != "" && u.User.Username() != user {
			continue
		}
		if pw, ok := u.User.Password(); ok && pw != "" {
			return pw, true
		}
	}
	return "", false
}
