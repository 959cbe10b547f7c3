package codec

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// Frame layout constants shared with the backend's browser client.
const (
	separator            = "rE7pRxTGlqT6"
	dynamicPaddingLength = 12
	keyLength            = 32
	ivLength             = 16
)

// morphRules obscure the per-frame key and IV; both sides apply the same
// substitution table.
var morphRules = map[rune]string{
	'R': "Ef4YsO2cbQZ2",
	'W': "U4Bai5Qn1ZCp",
	'q': "zR2H8Cd5maEc",
	'a': "yUz4P1a7Dz6v",
	'E': "Xm5VaT2B7c9a",
}

// ErrBadFrame is returned when an inbound frame does not match the expected
// layout or fails to decrypt.
var ErrBadFrame = errors.New("codec: malformed encrypted frame")

const alphanumeric = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

func randomAlphanumeric(n int) (string, error) {
	var b strings.Builder
	b.Grow(n)
	max := big.NewInt(int64(len(alphanumeric)))
	for range n {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b.WriteByte(alphanumeric[idx.Int64()])
	}
	return b.String(), nil
}

func morph(s string) string {
	var b strings.Builder
	for _, r := range s {
		if repl, ok := morphRules[r]; ok {
			b.WriteString(repl)
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func demorph(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); {
		matched := false
		for orig, morphed := range morphRules {
			if strings.HasPrefix(s[i:], morphed) {
				b.WriteRune(orig)
				i += len(morphed)
				matched = true
				break
			}
		}
		if !matched {
			b.WriteByte(s[i])
			i++
		}
	}
	return b.String()
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padding := blockSize - len(data)%blockSize
	return append(data, bytes.Repeat([]byte{byte(padding)}, padding)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, ErrBadFrame
	}
	padding := int(data[len(data)-1])
	if padding == 0 || padding > blockSize || padding > len(data) {
		return nil, ErrBadFrame
	}
	for _, b := range data[len(data)-padding:] {
		if int(b) != padding {
			return nil, ErrBadFrame
		}
	}
	return data[:len(data)-padding], nil
}

// encryptFrame encrypts plaintext with a random per-frame key and IV, AES in
// CBC mode, and assembles the frame as
// morphedKey + separator + morphedIV + separator + dynamicPadding + base64(ciphertext).
func encryptFrame(plaintext string) (string, error) {
	keyString, err := randomAlphanumeric(keyLength)
	if err != nil {
		return "", fmt.Errorf("generating frame key: %w", err)
	}
	ivString, err := randomAlphanumeric(ivLength)
	if err != nil {
		return "", fmt.Errorf("generating frame IV: %w", err)
	}
	padding, err := randomAlphanumeric(dynamicPaddingLength)
	if err != nil {
		return "", fmt.Errorf("generating frame padding: %w", err)
	}

	block, err := aes.NewCipher([]byte(keyString))
	if err != nil {
		return "", fmt.Errorf("creating cipher: %w", err)
	}

	padded := pkcs7Pad([]byte(plaintext), aes.BlockSize)
	encrypted := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, []byte(ivString)).CryptBlocks(encrypted, padded)

	encoded := base64.StdEncoding.EncodeToString(encrypted)
	return morph(keyString) + separator + morph(ivString) + separator + padding + encoded, nil
}

// decryptFrame reverses encryptFrame.
func decryptFrame(frame string) (string, error) {
	parts := strings.Split(frame, separator)
	if len(parts) != 3 {
		return "", fmt.Errorf("%w: expected 3 separator-delimited parts, got %d", ErrBadFrame, len(parts))
	}

	keyString := demorph(parts[0])
	ivString := demorph(parts[1])
	if len(parts[2]) < dynamicPaddingLength {
		return "", fmt.Errorf("%w: frame shorter than dynamic padding", ErrBadFrame)
	}
	encoded := parts[2][dynamicPaddingLength:]

	if len(keyString) != keyLength || len(ivString) != ivLength {
		return "", fmt.Errorf("%w: bad key or IV length after demorph", ErrBadFrame)
	}

	encrypted, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadFrame, err)
	}
	if len(encrypted) == 0 || len(encrypted)%aes.BlockSize != 0 {
		return "", fmt.Errorf("%w: ciphertext not block-aligned", ErrBadFrame)
	}

	block, err := aes.NewCipher([]byte(keyString))
	if err != nil {
		return "", fmt.Errorf("creating cipher: %w", err)
	}

	decrypted := make([]byte, len(encrypted))
	cipher.NewCBCDecrypter(block, []byte(ivString)).CryptBlocks(decrypted, encrypted)

	plaintext, err := pkcs7Unpad(decrypted, aes.BlockSize)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
