package native

import (
	"encoding/hex"
	"strings"
)

// keyByte 第 i 个字节的滚动密钥
func keyByte(i int) byte {
	return byte(0xCC + i%256)
}

// DecryptConstant 十六进制密文逐字节与 (0xCC + i) 异或
func DecryptConstant(cipherHex string) string {
	raw, err := hex.DecodeString(strings.TrimSpace(cipherHex))
	if err != nil {
		return ""
	}
	for i := range raw {
		raw[i] ^= keyByte(i)
	}
	return string(raw)
}

// EncryptConstant DecryptConstant 的逆运算，供构建期生成常量
func EncryptConstant(plain string) string {
	raw := []byte(plain)
	for i := range raw {
		raw[i] ^= keyByte(i)
	}
	return hex.EncodeToString(raw)
}
