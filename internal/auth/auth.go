package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
)

// Client identifies the caller that passed inbound authentication.
type Client struct {
	Name string
}

// Credential is one accepted inbound credential. Bearer tokens are stored as
// SHA-256 hashes; basic passwords likewise.
type Credential struct {
	Name      string `koanf:"name"`
	TokenHash string `koanf:"token_hash"`
	Username  string `koanf:"username"`
	// PasswordHash is the SHA-256 of the basic auth password.
	PasswordHash string `koanf:"password_hash"`
}

// Authenticator validates inbound clients of a gateway port or the admin API.
type Authenticator struct {
	tokens map[string]Client // token hash -> client
	basic  map[string]basicEntry
}

type basicEntry struct {
	hash   string
	client Client
}

// NewAuthenticator builds an authenticator from credentials. It returns nil
// when creds is empty, which callers treat as "open".
func NewAuthenticator(creds []Credential) *Authenticator {
	if len(creds) == 0 {
		return nil
	}
	a := &Authenticator{
		tokens: make(map[string]Client),
		basic:  make(map[string]basicEntry),
	}
	for _, c := range creds {
		name := c.Name
		if name == "" {
			name = c.Username
		}
		if c.TokenHash != "" {
			a.tokens[strings.ToLower(c.TokenHash)] = Client{Name: name}
		}
		if c.Username != "" {
			a.basic[c.Username] = basicEntry{hash: strings.ToLower(c.PasswordHash), client: Client{Name: name}}
		}
	}
	return a
}

// Authenticate checks the request's Authorization header.
func (a *Authenticator) Authenticate(r *http.Request) (*Client, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return nil, fmt.Errorf("missing Authorization header")
	}

	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("invalid Authorization header format")
	}

	switch strings.ToLower(parts[0]) {
	case "bearer":
		return a.validateToken(parts[1])
	case "basic":
		user, pass, ok := r.BasicAuth()
		if !ok {
			return nil, fmt.Errorf("invalid basic credentials")
		}
		return a.validateBasic(user, pass)
	}
	return nil, fmt.Errorf("unsupported authorization scheme")
}

func (a *Authenticator) validateToken(token string) (*Client, error) {
	keyHash := HashSecret(token)
	c, ok := a.tokens[keyHash]
	if !ok {
		return nil, fmt.Errorf("invalid token")
	}
	return &c, nil
}

func (a *Authenticator) validateBasic(user, pass string) (*Client, error) {
	entry, ok := a.basic[user]
	if !ok {
		return nil, fmt.Errorf("invalid basic credentials")
	}
	if subtle.ConstantTimeCompare([]byte(HashSecret(pass)), []byte(entry.hash)) != 1 {
		return nil, fmt.Errorf("invalid basic credentials")
	}
	return &entry.client, nil
}

// HashSecret creates the SHA-256 hex digest stored in configuration.
func HashSecret(secret string) string {
	hash := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(hash[:])
}
