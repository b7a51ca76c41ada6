// Package encryption generates one-time AES-GCM key material for export
// files and wraps it for the file's recipient with RSA-OAEP.
package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
)

// Cipher identifiers recorded in file metadata.
const (
	SymmetricCipher  = "AES/GCM/NoPadding"
	AsymmetricCipher = "RSA/ECB/OAEPWithSHA-1AndMGF1Padding"
)

const (
	DefaultKeyBits = 128
	IVBytes        = 12
	TagBits        = 128
)

var (
	// ErrNoKeyMaterial is returned when a cipher is requested before key
	// material has been generated, or after it has been cleared.
	ErrNoKeyMaterial = errors.New("cipher material: key material not generated")
	// ErrUnsupportedAlgorithm marks a security-configuration failure.
	ErrUnsupportedAlgorithm = errors.New("cipher material: unsupported algorithm")
	// ErrCipherUsed is returned when a single-use sealer is reused.
	ErrCipherUsed = errors.New("cipher material: cipher already used")
)

// Config selects the algorithms used for every file.
type Config struct {
	SymmetricCipher  string
	AsymmetricCipher string
	KeyBits          int
}

func (c *Config) applyDefaults() {
	if c.SymmetricCipher == "" {
		c.SymmetricCipher = SymmetricCipher
	}
	if c.AsymmetricCipher == "" {
		c.AsymmetricCipher = AsymmetricCipher
	}
	if c.KeyBits == 0 {
		c.KeyBits = DefaultKeyBits
	}
}

// Provider hands out per-file Material.
type Provider struct {
	cfg  Config
	rand io.Reader
}

// NewProvider validates cfg and returns a Provider reading from crypto/rand.
func NewProvider(cfg Config) (*Provider, error) {
	cfg.applyDefaults()
	if cfg.SymmetricCipher != SymmetricCipher {
		return nil, fmt.Errorf("%w: symmetric cipher %q", ErrUnsupportedAlgorithm, cfg.SymmetricCipher)
	}
	if cfg.AsymmetricCipher != AsymmetricCipher {
		return nil, fmt.Errorf("%w: asymmetric cipher %q", ErrUnsupportedAlgorithm, cfg.AsymmetricCipher)
	}
	switch cfg.KeyBits {
	case 128, 192, 256:
	default:
		return nil, fmt.Errorf("%w: key size %d", ErrUnsupportedAlgorithm, cfg.KeyBits)
	}
	return &Provider{cfg: cfg, rand: rand.Reader}, nil
}

// NewMaterial returns empty material for one file. Callers must call
// GenerateKeyMaterial before FormCipher and Close when done.
func (p *Provider) NewMaterial() *Material {
	return &Material{cfg: p.cfg, rand: p.rand}
}

// Material is the one-time key and IV protecting a single file.
type Material struct {
	cfg  Config
	rand io.Reader
	key  []byte
	iv   []byte
}

// GenerateKeyMaterial fills the key and IV from the secure random source.
func (m *Material) GenerateKeyMaterial() error {
	key := make([]byte, m.cfg.KeyBits/8)
	if _, err := io.ReadFull(m.rand, key); err != nil {
		return fmt.Errorf("cipher material: generate key: %w", err)
	}
	iv := make([]byte, IVBytes)
	if _, err := io.ReadFull(m.rand, iv); err != nil {
		return fmt.Errorf("cipher material: generate iv: %w", err)
	}
	m.Close()
	m.key, m.iv = key, iv
	return nil
}

// FormCipher returns a single-use sealer bound to the generated key and IV.
func (m *Material) FormCipher() (*Sealer, error) {
	if m.key == nil || m.iv == nil {
		return nil, ErrNoKeyMaterial
	}
	aead, err := newGCM(m.key)
	if err != nil {
		return nil, err
	}
	iv := make([]byte, len(m.iv))
	copy(iv, m.iv)
	return &Sealer{aead: aead, iv: iv}, nil
}

// Metadata wraps the key for the recipient's public key.
func (m *Material) Metadata(recipientPublicKey []byte) (*Metadata, error) {
	if m.key == nil || m.iv == nil {
		return nil, ErrNoKeyMaterial
	}
	pub, err := ParsePublicKey(recipientPublicKey)
	if err != nil {
		return nil, err
	}
	wrapped, err := rsa.EncryptOAEP(sha1.New(), m.rand, pub, m.key, nil)
	if err != nil {
		return nil, fmt.Errorf("cipher material: wrap key: %w", err)
	}
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("cipher material: encode public key: %w", err)
	}
	return &Metadata{
		SymmetricProperties: SymmetricProperties{
			Cipher:               m.cfg.SymmetricCipher,
			EncryptedKey:         base64.StdEncoding.EncodeToString(wrapped),
			InitializationVector: base64.StdEncoding.EncodeToString(m.iv),
			TagLength:            TagBits,
		},
		AsymmetricProperties: AsymmetricProperties{
			Cipher:    m.cfg.AsymmetricCipher,
			PublicKey: base64.StdEncoding.EncodeToString(der),
		},
	}, nil
}

// Close zeroes and drops the key and IV.
func (m *Material) Close() {
	for i := range m.key {
		m.key[i] = 0
	}
	for i := range m.iv {
		m.iv[i] = 0
	}
	m.key, m.iv = nil, nil
}

// Sealer encrypts exactly one plaintext. Output is ciphertext followed by
// the 16-byte tag, without the IV.
type Sealer struct {
	aead cipher.AEAD
	iv   []byte
	used bool
}

func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	if s.used {
		return nil, ErrCipherUsed
	}
	s.used = true
	out := s.aead.Seal(nil, s.iv, plaintext, nil)
	for i := range s.iv {
		s.iv[i] = 0
	}
	return out, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: create cipher: %v", ErrUnsupportedAlgorithm, err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, IVBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: create GCM: %v", ErrUnsupportedAlgorithm, err)
	}
	return aead, nil
}

// ParsePublicKey accepts a PKIX public key as PEM or raw DER.
func ParsePublicKey(data []byte) (*rsa.PublicKey, error) {
	if block, _ := pem.Decode(data); block != nil {
		data = block.Bytes
	}
	key, err := x509.ParsePKIXPublicKey(data)
	if err != nil {
		return nil, fmt.Errorf("cipher material: parse public key: %w", err)
	}
	pub, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: public key is %T, want RSA", ErrUnsupportedAlgorithm, key)
	}
	return pub, nil
}

// Metadata is written next to each encrypted file.
type Metadata struct {
	SymmetricProperties  SymmetricProperties  `json:"SymmetricProperties"`
	AsymmetricProperties AsymmetricProperties `json:"AsymmetricProperties"`
}

type SymmetricProperties struct {
	Cipher               string `json:"Cipher"`
	EncryptedKey         string `json:"EncryptedKey"`
	InitializationVector string `json:"InitializationVector"`
	TagLength            int    `json:"TagLength"`
}

type AsymmetricProperties struct {
	Cipher    string `json:"Cipher"`
	PublicKey string `json:"PublicKey"`
}

// Marshal encodes the metadata as indented JSON.
func (md *Metadata) Marshal() ([]byte, error) {
	return json.MarshalIndent(md, "", "  ")
}
