package utils

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"

	"sequencer/config"
)

// Encrypt encrypts with the configured ENCRYPTION_KEY.
func Encrypt(plaintext string) (string, error) {
	return EncryptWithKey(config.AppConfig.EncryptionKey, plaintext)
}

// Decrypt decrypts with the configured ENCRYPTION_KEY.
func Decrypt(ciphertext string) (string, error) {
	return DecryptWithKey(config.AppConfig.EncryptionKey, ciphertext)
}

func EncryptWithKey(key, plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	block, err := aes.NewCipher([]byte(key))
	if err != nil {
		return "", err
	}

	ciphertext := make([]byte, aes.BlockSize+len(plaintext))
	iv := ciphertext[:aes.BlockSize]
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", err
	}

	stream := cipher.NewCFBEncrypter(block, iv)
	stream.XORKeyStream(ciphertext[aes.BlockSize:], []byte(plaintext))

	return base64.URLEncoding.EncodeToString(ciphertext), nil
}

func DecryptWithKey(key, ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}

	block, err := aes.NewCipher([]byte(key))
	if err != nil {
		return "", err
	}

	decoded, err := base64.URLEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", err
	}

	if len(decoded) < aes.BlockSize {
		return "", errors.New("ciphertext too short")
	}

	iv := decoded[:aes.BlockSize]
	decoded = decoded[aes.BlockSize:]

	stream := cipher.NewCFBDecrypter(block, iv)
	stream.XORKeyStream(decoded, decoded)

	return string(decoded), nil
}

// SignToken derives a URL-safe token for value, used to authenticate tracking links.
func SignToken(key, value string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(value))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))[:22]
}

// VerifyToken checks a token produced by SignToken.
func VerifyToken(key, value, token string) bool {
	return hmac.Equal([]byte(SignToken(key, value)), []byte(token))
}
