// Package signing provides ed25519 signatures for plugin bundles. A bundle
// is signed by hashing its bytes with SHA-256 and signing the digest; the
// signature travels as a hex-encoded sidecar file next to the bundle. Keys
// live on disk hex-encoded so they can be checked into deploy tooling.
package signing

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Conventional key filenames written by GenerateKeyPair.
const (
	PrivateKeyFile = "quantflow.key"
	PublicKeyFile  = "quantflow.pub"
)

// SigExt is the extension of the signature sidecar.
const SigExt = ".sig"

// ErrBadSignature reports a signature that does not match the bundle under
// the given public key. Callers distinguish it from file-shape errors when
// deciding whether a bundle is hostile or merely broken.
var ErrBadSignature = errors.New("signing: signature does not match bundle")

// GenerateKeyPair creates a fresh ed25519 key pair and writes it into dir
// as hex-encoded quantflow.key (0600) and quantflow.pub (0644). It refuses
// to overwrite an existing private key.
func GenerateKeyPair(dir string) (privPath, pubPath string, err error) {
	privPath = filepath.Join(dir, PrivateKeyFile)
	pubPath = filepath.Join(dir, PublicKeyFile)
	if _, err := os.Stat(privPath); err == nil {
		return "", "", fmt.Errorf("key %s: already exists", privPath)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", "", fmt.Errorf("generate key pair: %w", err)
	}
	if err := os.WriteFile(privPath, []byte(hex.EncodeToString(priv)), 0o600); err != nil {
		return "", "", fmt.Errorf("key %s: %w", privPath, err)
	}
	if err := os.WriteFile(pubPath, []byte(hex.EncodeToString(pub)), 0o644); err != nil {
		return "", "", fmt.Errorf("key %s: %w", pubPath, err)
	}
	return privPath, pubPath, nil
}

// LoadPrivateKey reads a hex-encoded ed25519 private key from path.
func LoadPrivateKey(path string) (ed25519.PrivateKey, error) {
	raw, err := readHexFile(path)
	if err != nil {
		return nil, err
	}
	if len(raw) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("key %s: %d bytes, want %d", path, len(raw), ed25519.PrivateKeySize)
	}
	return ed25519.PrivateKey(raw), nil
}

// LoadPublicKey reads a hex-encoded ed25519 public key from path.
func LoadPublicKey(path string) (ed25519.PublicKey, error) {
	raw, err := readHexFile(path)
	if err != nil {
		return nil, err
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("key %s: %d bytes, want %d", path, len(raw), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(raw), nil
}

// SignaturePath returns the sidecar path for a bundle:
// "dist/feed.zip" becomes "dist/feed.zip.sig".
func SignaturePath(bundlePath string) string {
	return bundlePath + SigExt
}

// SignBundle signs the bundle at bundlePath with the private key stored in
// privateKeyFile and writes the hex-encoded signature sidecar next to the
// bundle, returning its path.
func SignBundle(bundlePath, privateKeyFile string) (string, error) {
	priv, err := LoadPrivateKey(privateKeyFile)
	if err != nil {
		return "", err
	}
	digest, err := bundleDigest(bundlePath)
	if err != nil {
		return "", err
	}
	sig := ed25519.Sign(priv, digest)
	sigPath := SignaturePath(bundlePath)
	if err := os.WriteFile(sigPath, []byte(hex.EncodeToString(sig)), 0o644); err != nil {
		return "", fmt.Errorf("signature %s: %w", sigPath, err)
	}
	return sigPath, nil
}

// VerifyBundle checks the bundle's sidecar signature against the public key
// stored in publicKeyFile. A missing sidecar, a malformed signature and a
// mismatched signature are all errors; only the last wraps ErrBadSignature.
func VerifyBundle(bundlePath, publicKeyFile string) error {
	pub, err := LoadPublicKey(publicKeyFile)
	if err != nil {
		return err
	}
	digest, err := bundleDigest(bundlePath)
	if err != nil {
		return err
	}

	sigPath := SignaturePath(bundlePath)
	sigHex, err := os.ReadFile(sigPath)
	if err != nil {
		return fmt.Errorf("signature %s: %w", sigPath, err)
	}
	sig, err := hex.DecodeString(strings.TrimSpace(string(sigHex)))
	if err != nil {
		return fmt.Errorf("signature %s: %w", sigPath, err)
	}
	if len(sig) != ed25519.SignatureSize {
		return fmt.Errorf("signature %s: %d bytes, want %d", sigPath, len(sig), ed25519.SignatureSize)
	}

	if !ed25519.Verify(pub, digest, sig) {
		return fmt.Errorf("bundle %s: %w", bundlePath, ErrBadSignature)
	}
	return nil
}

func bundleDigest(bundlePath string) ([]byte, error) {
	data, err := os.ReadFile(bundlePath)
	if err != nil {
		return nil, fmt.Errorf("bundle %s: %w", bundlePath, err)
	}
	digest := sha256.Sum256(data)
	return digest[:], nil
}

func readHexFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("key %s: %w", path, err)
	}
	raw, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("key %s: %w", path, err)
	}
	return raw, nil
}
