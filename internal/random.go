package internal

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"math/big"
	"strings"
)

// ID is the random identifier for sessions, verification records, and
// reset slots. 16 bytes of CSPRNG output, rendered as unpadded base64url.
type ID [16]byte

const (
	// SecretSize is the byte length of opaque refresh and reset secrets.
	SecretSize = 32

	envelopeRawSize = 16 + SecretSize
)

var (
	ErrInvalidID       = errors.New("invalid identifier")
	ErrInvalidEnvelope = errors.New("invalid token envelope")
)

func NewID() (ID, error) {
	var id ID
	_, err := rand.Read(id[:])
	return id, err
}

func (id ID) String() string {
	return base64.RawURLEncoding.EncodeToString(id[:])
}

func ParseID(s string) (ID, error) {
	var id ID

	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return id, ErrInvalidID
	}
	if len(raw) != len(id) {
		return id, ErrInvalidID
	}

	copy(id[:], raw)
	return id, nil
}

// NewSecret returns a fresh opaque secret. Predictability here is a full
// compromise of the corresponding credential, so only crypto/rand is used.
func NewSecret() ([SecretSize]byte, error) {
	var secret [SecretSize]byte
	_, err := rand.Read(secret[:])
	return secret, err
}

func HashSecret(secret [SecretSize]byte) [32]byte {
	return sha256.Sum256(secret[:])
}

func HashBytes(b []byte) [32]byte {
	return sha256.Sum256(b)
}

// EncodeEnvelope packs an identifier and its secret into the single opaque
// string handed to clients: base64url(id || secret). Refresh tokens and
// reset tokens share this layout.
func EncodeEnvelope(id string, secret [SecretSize]byte) (string, error) {
	parsed, err := ParseID(id)
	if err != nil {
		return "", err
	}

	var raw [envelopeRawSize]byte
	copy(raw[:len(parsed)], parsed[:])
	copy(raw[len(parsed):], secret[:])

	return base64.RawURLEncoding.EncodeToString(raw[:]), nil
}

func DecodeEnvelope(token string) (string, [SecretSize]byte, error) {
	var secret [SecretSize]byte

	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return "", secret, ErrInvalidEnvelope
	}
	if len(raw) != envelopeRawSize {
		return "", secret, ErrInvalidEnvelope
	}

	var id ID
	copy(id[:], raw[:len(id)])
	copy(secret[:], raw[len(id):])

	return id.String(), secret, nil
}

// NewOTP returns a numeric one-time code suitable for manual entry.
func NewOTP(digits int) (string, error) {
	if digits < 4 || digits > 10 {
		return "", errors.New("invalid otp digits")
	}

	var b strings.Builder
	b.Grow(digits)

	max := big.NewInt(10)
	for i := 0; i < digits; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b.WriteByte(byte('0' + n.Int64()))
	}

	return b.String(), nil
}

func IsNumeric(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
