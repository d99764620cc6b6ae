package baseline

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/hkdf"
)

// keyInfo HKDF info 参数
const keyInfo = "baseline"

// defaultSalt 与种子一同编译进二进制
const defaultSalt = "raspguard.baseline.v1"

// ErrCiphertextTooShort 密文长度小于 nonce
var ErrCiphertextTooShort = errors.New("ciphertext too short")

// DeriveKey 使用 HKDF-SHA256 从种子派生 AES-256 密钥
func DeriveKey(seed []byte, salt string) ([]byte, error) {
	if len(seed) == 0 {
		return nil, errors.New("empty key seed")
	}
	reader := hkdf.New(sha256.New, seed, []byte(salt), []byte(keyInfo))

	key := make([]byte, 32)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, err
	}
	return key, nil
}

// seal AES-GCM 加密，nonce 附加在密文前面
func seal(key, plaintext []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// open 解密 seal 的输出
func open(key, ciphertext []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, ErrCiphertextTooShort
	}
	nonce, body := ciphertext[:nonceSize], ciphertext[nonceSize:]
	return gcm.Open(nil, nonce, body, nil)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
