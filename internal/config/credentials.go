package config

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const credentialsFile = "credentials.yaml"

var (
	// ErrNotLoggedIn means no credentials file exists yet.
	ErrNotLoggedIn = errors.New("not logged in")

	// ErrCredentialsExpired means the stored token is past its expiry
	// and deploys must not proceed.
	ErrCredentialsExpired = errors.New("credentials expired")
)

// Credentials identify the user for scoping deployed resources.
type Credentials struct {
	Email     string    `yaml:"email"`
	Token     string    `yaml:"token"`
	ExpiresAt time.Time `yaml:"expiresAt"`
}

// LoadCredentials reads credentials from the default directory.
func LoadCredentials() (*Credentials, error) {
	dir, err := Dir()
	if err != nil {
		return nil, err
	}
	return LoadCredentialsFrom(dir)
}

// LoadCredentialsFrom reads credentials from dir and rejects expired
// tokens.
func LoadCredentialsFrom(dir string) (*Credentials, error) {
	path := filepath.Join(dir, credentialsFile)
	payload, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotLoggedIn
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	creds := &Credentials{}
	if err := yaml.Unmarshal(payload, creds); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if creds.Email == "" || creds.Token == "" {
		return nil, ErrNotLoggedIn
	}
	if creds.Expired(time.Now()) {
		return nil, ErrCredentialsExpired
	}
	return creds, nil
}

// Expired reports whether the token is no longer valid at the given
// time.
func (c *Credentials) Expired(now time.Time) bool {
	return !c.ExpiresAt.After(now)
}

// UsernameEscaped returns the user identity with every character that
// is unsafe in resource names replaced.
func (c *Credentials) UsernameEscaped() string {
	return EscapeResourceName(c.Email)
}

// Save writes credentials to dir with owner-only permissions.
func (c *Credentials) Save(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	payload, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode credentials: %w", err)
	}
	path := filepath.Join(dir, credentialsFile)
	if err := os.WriteFile(path, payload, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// EscapeResourceName replaces characters that resource names cannot
// carry with uppercase-alpha markers.
func EscapeResourceName(name string) string {
	replacer := strings.NewReplacer(
		"@", "AT",
		".", "DOT",
		"-", "HYPHEN",
		"_", "UNDRSC",
	)
	return replacer.Replace(name)
}

// UniqueResourceName builds a storage-safe name: a readable lowercase
// prefix plus a digest of the fully scoped name for uniqueness. The
// result fits the 64-character limit common to managed services.
func UniqueResourceName(userName, projectName, resourceName string) string {
	readable := strings.ToLower(asciiAlnum(resourceName, 32))
	digest := sha256.Sum256([]byte(fmt.Sprintf("%s-%s-%s", userName, projectName, resourceName)))
	return readable + fmt.Sprintf("%x", digest)[:32]
}

func asciiAlnum(s string, max int) string {
	var b strings.Builder
	for _, r := range s {
		if b.Len() >= max {
			break
		}
		if ('a' <= r && r <= 'z') || ('A' <= r && r <= 'Z') || ('0' <= r && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}
