package ssh

import (
	"bufio"
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/bcrypt"
	gossh "golang.org/x/crypto/ssh"

	"alarmsync/config"
	"alarmsync/logging"
)

var errDenied = errors.New("access denied")

// passwordCallback accepts admin web users. Viewers cannot log in since the
// console edits settings and starts runs.
func passwordCallback(cfg *config.Config) func(gossh.ConnMetadata, []byte) (*gossh.Permissions, error) {
	return func(meta gossh.ConnMetadata, pass []byte) (*gossh.Permissions, error) {
		u := cfg.FindWebUser(meta.User())
		if u == nil || u.Role != config.RoleAdmin {
			logging.DebugLog("ssh", "password login refused for %q from %s", meta.User(), meta.RemoteAddr())
			return nil, errDenied
		}
		if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), pass) != nil {
			logging.DebugLog("ssh", "bad password for %q from %s", meta.User(), meta.RemoteAddr())
			return nil, errDenied
		}
		return &gossh.Permissions{Extensions: map[string]string{"user": u.Username}}, nil
	}
}

// hasAdmin reports whether any admin can use password logins.
func hasAdmin(cfg *config.Config) bool {
	for _, u := range cfg.Web.Users {
		if u.Role == config.RoleAdmin && u.PasswordHash != "" {
			return true
		}
	}
	return false
}

// publicKeyCallback returns nil when no usable keys are found at path.
func publicKeyCallback(path string) func(gossh.ConnMetadata, gossh.PublicKey) (*gossh.Permissions, error) {
	if path == "" {
		return nil
	}

	keys, err := loadAuthorizedKeys(path)
	if err != nil {
		logging.DebugLog("ssh", "failed to load authorized keys from %s: %v", path, err)
		return nil
	}
	if len(keys) == 0 {
		logging.DebugLog("ssh", "no authorized keys found in %s", path)
		return nil
	}

	return func(meta gossh.ConnMetadata, key gossh.PublicKey) (*gossh.Permissions, error) {
		wire := key.Marshal()
		for _, k := range keys {
			if bytes.Equal(wire, k.Marshal()) {
				return &gossh.Permissions{Extensions: map[string]string{
					"user":   meta.User(),
					"pubkey": gossh.FingerprintSHA256(key),
				}}, nil
			}
		}
		return nil, errDenied
	}
}

// loadAuthorizedKeys loads public keys from an authorized_keys file or a
// directory of them.
func loadAuthorizedKeys(path string) ([]gossh.PublicKey, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return loadAuthorizedKeysFromFile(path)
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	var keys []gossh.PublicKey
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		fileKeys, err := loadAuthorizedKeysFromFile(filepath.Join(path, entry.Name()))
		if err != nil {
			continue
		}
		keys = append(keys, fileKeys...)
	}
	return keys, nil
}

func loadAuthorizedKeysFromFile(path string) ([]gossh.PublicKey, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var keys []gossh.PublicKey
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, _, _, _, err := gossh.ParseAuthorizedKey([]byte(line))
		if err != nil {
			continue
		}
		keys = append(keys, key)
	}
	return keys, scanner.Err()
}

// GetOrCreateHostKey loads the host key at path, generating an ED25519 key
// on first use.
func GetOrCreateHostKey(path string) (gossh.Signer, error) {
	if keyBytes, err := os.ReadFile(path); err == nil {
		signer, err := gossh.ParsePrivateKey(keyBytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse host key: %w", err)
		}
		return signer, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read host key: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	_, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	pemBlock, err := gossh.MarshalPrivateKey(privateKey, "")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(pemBlock), 0600); err != nil {
		return nil, fmt.Errorf("failed to write host key: %w", err)
	}
	return gossh.NewSignerFromKey(privateKey)
}
