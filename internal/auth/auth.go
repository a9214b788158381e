package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

const (
	tokenLength = 32
	tokenFile   = "bridge.token"

	// EnvToken pins the bridge token, e.g. inside a container.
	EnvToken = "UNITYWIRE_TOKEN"
)

const alphanumeric = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// GenerateToken creates a random 32-character alphanumeric token
// and writes it to dataDir/bridge.token with permissions 0600.
func GenerateToken(dataDir string) (string, error) {
	token, err := randomAlphanumeric(tokenLength)
	if err != nil {
		return "", fmt.Errorf("generating random token: %w", err)
	}
	if err := writeToken(dataDir, token); err != nil {
		return "", err
	}
	return token, nil
}

// LoadOrGenerateToken returns the bridge token using this priority:
//  1. UNITYWIRE_TOKEN environment variable (persisted so ValidateToken agrees)
//  2. Existing token file on disk
//  3. Newly generated token
func LoadOrGenerateToken(dataDir string) (string, error) {
	if envToken := strings.TrimSpace(os.Getenv(EnvToken)); envToken != "" {
		if err := writeToken(dataDir, envToken); err != nil {
			return "", err
		}
		return envToken, nil
	}

	if token, err := LoadToken(dataDir); err == nil && token != "" {
		return token, nil
	}

	return GenerateToken(dataDir)
}

// LoadToken reads the stored token without generating one.
func LoadToken(dataDir string) (string, error) {
	data, err := os.ReadFile(tokenPath(dataDir))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// ValidateToken compares a candidate token against the stored token on disk.
// Returns false if the token file cannot be read or the tokens do not match.
func ValidateToken(dataDir string, candidate string) bool {
	stored, err := LoadToken(dataDir)
	if err != nil || stored == "" {
		return false
	}
	return Equal(stored, candidate)
}

// Equal compares tokens in constant time.
func Equal(want, candidate string) bool {
	candidate = strings.TrimSpace(candidate)
	return subtle.ConstantTimeCompare([]byte(want), []byte(candidate)) == 1
}

// FromRequest extracts a token from "Authorization: Bearer <token>" or,
// for websocket clients that cannot set headers, the token query parameter.
func FromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if rest, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(rest)
		}
	}
	return r.URL.Query().Get("token")
}

// Require wraps next so that only requests carrying token reach it.
func Require(token string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !Equal(token, FromRequest(r)) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeToken(dataDir, token string) error {
	path := tokenPath(dataDir)
	if err := os.WriteFile(path, []byte(token), 0600); err != nil {
		return fmt.Errorf("writing token to %s: %w", path, err)
	}
	return nil
}

func tokenPath(dataDir string) string {
	return filepath.Join(dataDir, tokenFile)
}

func randomAlphanumeric(n int) (string, error) {
	max := big.NewInt(int64(len(alphanumeric)))
	b := make([]byte, n)
	for i := range b {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b[i] = alphanumeric[idx.Int64()]
	}
	return string(b), nil
}
