package services

import (
	"crypto/cipher"
	"crypto/des"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
)

// SignatureEngine derives per-request symmetric keys from the merchant
// secret and computes HMAC digests over canonical gateway payloads.
// Requests and responses are signed with HMAC-SHA256 under a key that
// is the 3DES-CBC encryption of the order reference with the merchant
// secret, zero IV, no block padding.
type SignatureEngine struct {
	secret []byte
}

// NewSignatureEngine decodes the Base64 merchant secret. The secret
// must be a valid 3DES key (24 bytes).
func NewSignatureEngine(secretBase64 string) (*SignatureEngine, error) {
	secret, err := base64.StdEncoding.DecodeString(secretBase64)
	if err != nil {
		return nil, &SignatureComputationError{Op: "decode merchant secret", Err: err}
	}
	if _, err := des.NewTripleDESCipher(secret); err != nil {
		return nil, &SignatureComputationError{Op: "load merchant secret", Err: err}
	}
	return &SignatureEngine{secret: secret}, nil
}

// DeriveKey encrypts the order reference with the merchant secret and
// returns the ciphertext as the per-order signing key. The reference is
// right-padded with zero bytes to a multiple of the 3DES block size.
func (e *SignatureEngine) DeriveKey(orderRef string) ([]byte, error) {
	block, err := des.NewTripleDESCipher(e.secret)
	if err != nil {
		return nil, &SignatureComputationError{Op: "derive key", Err: err}
	}
	if orderRef == "" {
		return nil, &SignatureComputationError{Op: "derive key", Err: fmt.Errorf("empty order reference")}
	}

	plain := []byte(orderRef)
	if rem := len(plain) % des.BlockSize; rem != 0 {
		plain = append(plain, make([]byte, des.BlockSize-rem)...)
	}

	key := make([]byte, len(plain))
	iv := make([]byte, des.BlockSize)
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(key, plain)
	return key, nil
}

// Sign computes the HMAC-SHA256 of payload under key, standard Base64
// encoded as the gateway expects it.
func (e *SignatureEngine) Sign(key []byte, payload []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(payload)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// SignURLSafe is Sign with URL-safe Base64, for signatures embedded in
// redirect URLs.
func (e *SignatureEngine) SignURLSafe(key []byte, payload []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(payload)
	return base64.URLEncoding.EncodeToString(mac.Sum(nil))
}

// Verify recomputes the signature and compares it in constant time.
// A decode failure is a mismatch, never a silent pass.
func (e *SignatureEngine) Verify(expectedBase64 string, key []byte, payload []byte) bool {
	recomputed := e.Sign(key, payload)
	return subtle.ConstantTimeCompare([]byte(recomputed), []byte(expectedBase64)) == 1
}
