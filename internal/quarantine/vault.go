// Package quarantine consumes completed scan results and performs the
// status-specific side effects: persisting history, notifying the user,
// and isolating high-risk files.
package quarantine

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/crypto/chacha20"
)

// vaultExt marks neutralized files inside the vault directory.
const vaultExt = ".qtn"

// Vault isolates files by moving them into a dedicated directory and
// running the content through a ChaCha20 keystream. A neutralized file
// cannot execute or be parsed in place, but the transform is reversible
// with the per-entry key, so quarantine never destroys evidence.
type Vault struct {
	dir string
}

// NewVault creates a vault rooted at dir.
func NewVault(dir string) *Vault {
	return &Vault{dir: dir}
}

// Dir returns the vault directory.
func (v *Vault) Dir() string { return v.dir }

// Confine moves the file at sourcePath into the vault, neutralized with a
// fresh key. It returns the vault file name and the hex key and nonce
// needed to restore the file. The source is removed only after the vault
// copy is fully written.
func (v *Vault) Confine(sourcePath string) (vaultName, keyHex, nonceHex string, err error) {
	if err := os.MkdirAll(v.dir, 0700); err != nil {
		return "", "", "", fmt.Errorf("create vault: %w", err)
	}

	key := make([]byte, chacha20.KeySize)
	nonce := make([]byte, chacha20.NonceSize)
	if _, err := rand.Read(key); err != nil {
		return "", "", "", fmt.Errorf("generate key: %w", err)
	}
	if _, err := rand.Read(nonce); err != nil {
		return "", "", "", fmt.Errorf("generate nonce: %w", err)
	}

	timestamp := time.Now().Format("20060102_150405")
	vaultName = fmt.Sprintf("%s_%s%s", timestamp, filepath.Base(sourcePath), vaultExt)
	destPath := filepath.Join(v.dir, vaultName)

	if err := transform(sourcePath, destPath, key, nonce); err != nil {
		os.Remove(destPath)
		return "", "", "", err
	}

	if err := os.Remove(sourcePath); err != nil {
		// The vault copy exists; report the stale original rather than
		// rolling back.
		return vaultName, hex.EncodeToString(key), hex.EncodeToString(nonce),
			fmt.Errorf("remove original after confine: %w", err)
	}

	return vaultName, hex.EncodeToString(key), hex.EncodeToString(nonce), nil
}

// Restore reverses Confine, writing the original bytes to destPath. The
// vault copy is kept; removing an entry is an explicit separate action.
func (v *Vault) Restore(vaultName, keyHex, nonceHex, destPath string) error {
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return fmt.Errorf("decode key: %w", err)
	}
	nonce, err := hex.DecodeString(nonceHex)
	if err != nil {
		return fmt.Errorf("decode nonce: %w", err)
	}

	srcPath := filepath.Join(v.dir, vaultName)
	if _, err := os.Stat(srcPath); err != nil {
		return fmt.Errorf("vault entry %s: %w", vaultName, err)
	}

	return transform(srcPath, destPath, key, nonce)
}

// Delete removes a vault entry permanently.
func (v *Vault) Delete(vaultName string) error {
	return os.Remove(filepath.Join(v.dir, vaultName))
}

// transform streams src through the ChaCha20 keystream into dst. The
// cipher is symmetric, so the same call confines and restores.
func transform(srcPath, dstPath string, key, nonce []byte) error {
	cipher, err := chacha20.NewUnauthenticatedCipher(key, nonce)
	if err != nil {
		return fmt.Errorf("init cipher: %w", err)
	}

	src, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer src.Close()

	dst, err := os.OpenFile(dstPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("create destination: %w", err)
	}
	defer dst.Close()

	buf := make([]byte, 64*1024)
	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			cipher.XORKeyStream(buf[:n], buf[:n])
			if _, err := dst.Write(buf[:n]); err != nil {
				return fmt.Errorf("write destination: %w", err)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return fmt.Errorf("read source: %w", readErr)
		}
	}

	return dst.Sync()
}
