package encrypt

import (
	"context"
	"fmt"
	"io"

	"github.com/threadvault/threadvault/internal/config"
)

// Provider is the SPI for pluggable encryption providers.
// Each provider handles its own TVEH envelope writing on encrypt and
// accepts TVEH-wrapped or plaintext formats on decrypt.
type Provider interface {
	// ID returns the provider identifier written into the TVEH header (e.g. "plain", "dek", "vault").
	ID() string

	// Encrypt returns TVEH-wrapped ciphertext (or plaintext for the plain provider).
	Encrypt(plaintext []byte) ([]byte, error)

	// Decrypt accepts TVEH-wrapped ciphertext or plaintext.
	Decrypt(ciphertext []byte) ([]byte, error)

	// EncryptStream writes the TVEH header to dst then returns a WriteCloser that
	// encrypts written bytes and flushes the GCM tag on Close.
	EncryptStream(dst io.Writer) (io.WriteCloser, error)

	// DecryptStream returns a Reader that decrypts bytes from src.
	// header is the already-parsed TVEH header.
	DecryptStream(src io.Reader, header *Header) (io.Reader, error)
}

// Header is passed to DecryptStream after the TVEH envelope has been parsed.
// Keeping it here avoids an import cycle with dataencryption.
type Header struct {
	Version    uint32
	ProviderID string
	Nonce      []byte
}

// Plugin bundles a provider name with its loader function.
type Plugin struct {
	Name   string
	Loader func(ctx context.Context, cfg *config.Config) (Provider, error)
}

var plugins []Plugin

// Register adds an encryption provider plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered provider names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the Plugin for the given name.
func Select(name string) (Plugin, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p, nil
		}
	}
	return Plugin{}, fmt.Errorf("unknown encryption provider %q; registered: %v", name, Names())
}
