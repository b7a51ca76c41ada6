package encryption

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
)

// Decrypt recovers the plaintext of an encrypted export file using the
// recipient's private key and the file's metadata.
func Decrypt(metadataJSON, ciphertext []byte, priv *rsa.PrivateKey) ([]byte, error) {
	var md Metadata
	if err := json.Unmarshal(metadataJSON, &md); err != nil {
		return nil, fmt.Errorf("decrypt: parse metadata: %w", err)
	}
	if md.SymmetricProperties.Cipher != SymmetricCipher || md.AsymmetricProperties.Cipher != AsymmetricCipher {
		return nil, fmt.Errorf("%w: %s / %s", ErrUnsupportedAlgorithm,
			md.SymmetricProperties.Cipher, md.AsymmetricProperties.Cipher)
	}
	if md.SymmetricProperties.TagLength != TagBits {
		return nil, fmt.Errorf("%w: tag length %d", ErrUnsupportedAlgorithm, md.SymmetricProperties.TagLength)
	}

	wrapped, err := base64.StdEncoding.DecodeString(md.SymmetricProperties.EncryptedKey)
	if err != nil {
		return nil, fmt.Errorf("decrypt: decode key: %w", err)
	}
	iv, err := base64.StdEncoding.DecodeString(md.SymmetricProperties.InitializationVector)
	if err != nil {
		return nil, fmt.Errorf("decrypt: decode iv: %w", err)
	}
	if len(iv) != IVBytes {
		return nil, fmt.Errorf("decrypt: iv is %d bytes, want %d", len(iv), IVBytes)
	}

	key, err := rsa.DecryptOAEP(sha1.New(), rand.Reader, priv, wrapped, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: unwrap key: %w", err)
	}
	defer func() {
		for i := range key {
			key[i] = 0
		}
	}()

	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: open: %w", err)
	}
	return plaintext, nil
}

// ParsePrivateKey accepts a PKCS#8 or PKCS#1 RSA private key as PEM or DER.
func ParsePrivateKey(data []byte) (*rsa.PrivateKey, error) {
	if block, _ := pem.Decode(data); block != nil {
		data = block.Bytes
	}
	if key, err := x509.ParsePKCS8PrivateKey(data); err == nil {
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("%w: private key is %T, want RSA", ErrUnsupportedAlgorithm, key)
		}
		return rsaKey, nil
	}
	key, err := x509.ParsePKCS1PrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}
