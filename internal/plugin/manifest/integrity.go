package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
)

// VerifyIntegrity hashes the manifest's declared binary and compares it
// against the manifest's SHA256 field. A manifest with no SHA256 set is
// accepted unverified (hash pinning is opt-in per plugin).
func VerifyIntegrity(m Manifest) error {
	if m.SHA256 == "" {
		return nil
	}
	path := m.BinaryPath()
	if path == "" {
		return fmt.Errorf("manifest %s: sha256 set but no binary path to verify", m.ID)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("manifest %s: read binary: %w", m.ID, err)
	}
	sum := sha256.Sum256(data)
	got := hex.EncodeToString(sum[:])
	if !strings.EqualFold(got, m.SHA256) {
		return fmt.Errorf("manifest %s: hash mismatch: want %s, got %s", m.ID, m.SHA256, got)
	}
	return nil
}
