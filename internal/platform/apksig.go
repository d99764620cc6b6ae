package platform

import (
	"archive/zip"
	"bytes"
	"crypto/sha256"
	"crypto/x509"
	"encoding/asn1"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/spf13/afero"
)

const (
	eocdSignature    = 0x06054b50
	eocdMinSize      = 22
	maxCommentSize   = 0xffff
	sigBlockMagic    = "APK Sig Block 42"
	maxSigBlockSize  = 16 << 20
	schemeV2BlockID  = 0x7109871a
	schemeV3BlockID  = 0xf05368c0
	schemeV31BlockID = 0x1b93ad61
)

// ErrNoSignature APK 中没有可识别的签名
var ErrNoSignature = errors.New("apk has no signing certificates")

// ReadSigningCertificates 读取 APK 签名证书：优先 v3/v2 签名块，其次 v1 PKCS#7
func ReadSigningCertificates(fs afero.Fs, apkPath string) ([]*x509.Certificate, error) {
	f, err := fs.Open(apkPath)
	if err != nil {
		return nil, fmt.Errorf("open apk: %w", err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat apk: %w", err)
	}

	certs, err := SigningBlockCertificates(f, st.Size())
	if err == nil && len(certs) > 0 {
		return certs, nil
	}

	certs, v1Err := v1Certificates(f, st.Size())
	if v1Err == nil && len(certs) > 0 {
		return certs, nil
	}
	return nil, ErrNoSignature
}

// SigningBlockCertificates 解析 APK Signing Block 中 v3/v2 签名者的证书
func SigningBlockCertificates(r io.ReaderAt, size int64) ([]*x509.Certificate, error) {
	pairs, err := readSigningBlock(r, size)
	if err != nil {
		return nil, err
	}

	for _, id := range []uint32{schemeV31BlockID, schemeV3BlockID, schemeV2BlockID} {
		value, ok := pairs[id]
		if !ok {
			continue
		}
		certs, err := signerCertificates(value)
		if err != nil {
			return nil, fmt.Errorf("scheme block %#x: %w", id, err)
		}
		if len(certs) > 0 {
			return certs, nil
		}
	}
	return nil, ErrNoSignature
}

// centralDirectoryOffset 从 EOCD 记录中读取中央目录偏移
func centralDirectoryOffset(r io.ReaderAt, size int64) (int64, error) {
	if size < eocdMinSize {
		return 0, errors.New("file too small for zip")
	}
	tailSize := int64(eocdMinSize + maxCommentSize)
	if tailSize > size {
		tailSize = size
	}
	tail := make([]byte, tailSize)
	if _, err := r.ReadAt(tail, size-tailSize); err != nil && !errors.Is(err, io.EOF) {
		return 0, err
	}

	for i := len(tail) - eocdMinSize; i >= 0; i-- {
		if binary.LittleEndian.Uint32(tail[i:]) != eocdSignature {
			continue
		}
		commentLen := int(binary.LittleEndian.Uint16(tail[i+20:]))
		if i+eocdMinSize+commentLen != len(tail) {
			continue
		}
		return int64(binary.LittleEndian.Uint32(tail[i+16:])), nil
	}
	return 0, errors.New("end of central directory not found")
}

// readSigningBlock 返回签名块中 id -> value 的映射
func readSigningBlock(r io.ReaderAt, size int64) (map[uint32][]byte, error) {
	cdOffset, err := centralDirectoryOffset(r, size)
	if err != nil {
		return nil, err
	}
	if cdOffset < 32 || cdOffset > size {
		return nil, ErrNoSignature
	}

	footer := make([]byte, 24)
	if _, err := r.ReadAt(footer, cdOffset-24); err != nil {
		return nil, err
	}
	if string(footer[8:]) != sigBlockMagic {
		return nil, ErrNoSignature
	}

	blockSize := binary.LittleEndian.Uint64(footer[:8])
	if blockSize < 24 || blockSize > maxSigBlockSize || int64(blockSize)+8 > cdOffset {
		return nil, errors.New("invalid signing block size")
	}
	start := cdOffset - int64(blockSize) - 8

	block := make([]byte, blockSize+8)
	if _, err := r.ReadAt(block, start); err != nil {
		return nil, err
	}
	if binary.LittleEndian.Uint64(block[:8]) != blockSize {
		return nil, errors.New("signing block size mismatch")
	}

	pairs := make(map[uint32][]byte)
	body := block[8 : len(block)-24]
	for len(body) > 0 {
		if len(body) < 12 {
			return nil, errors.New("truncated signing block pair")
		}
		pairLen := binary.LittleEndian.Uint64(body[:8])
		if pairLen < 4 || pairLen > uint64(len(body)-8) {
			return nil, errors.New("invalid signing block pair length")
		}
		id := binary.LittleEndian.Uint32(body[8:12])
		pairs[id] = body[12 : 8+pairLen]
		body = body[8+pairLen:]
	}
	return pairs, nil
}

// lengthPrefixed 读取一个 uint32 长度前缀的片段
func lengthPrefixed(b []byte) (chunk, rest []byte, err error) {
	if len(b) < 4 {
		return nil, nil, errors.New("truncated length prefix")
	}
	n := binary.LittleEndian.Uint32(b)
	if uint64(n) > uint64(len(b)-4) {
		return nil, nil, errors.New("length prefix out of range")
	}
	return b[4 : 4+n], b[4+n:], nil
}

// signerCertificates 解析 v2/v3 签名者序列，两种格式中证书均为 signed data 的第二个字段
func signerCertificates(value []byte) ([]*x509.Certificate, error) {
	signers, _, err := lengthPrefixed(value)
	if err != nil {
		return nil, err
	}

	var certs []*x509.Certificate
	for len(signers) > 0 {
		var signer []byte
		signer, signers, err = lengthPrefixed(signers)
		if err != nil {
			return nil, err
		}
		signedData, _, err := lengthPrefixed(signer)
		if err != nil {
			return nil, err
		}
		_, rest, err := lengthPrefixed(signedData) // digests
		if err != nil {
			return nil, err
		}
		encoded, _, err := lengthPrefixed(rest)
		if err != nil {
			return nil, err
		}
		for len(encoded) > 0 {
			var der []byte
			der, encoded, err = lengthPrefixed(encoded)
			if err != nil {
				return nil, err
			}
			cert, err := x509.ParseCertificate(der)
			if err != nil {
				return nil, fmt.Errorf("parse certificate: %w", err)
			}
			certs = append(certs, cert)
		}
	}
	return certs, nil
}

type pkcs7ContentInfo struct {
	ContentType asn1.ObjectIdentifier
	Content     asn1.RawValue `asn1:"explicit,optional,tag:0"`
}

type pkcs7SignedData struct {
	Version          int
	DigestAlgorithms asn1.RawValue
	ContentInfo      asn1.RawValue
	Certificates     asn1.RawValue `asn1:"optional,tag:0"`
}

// v1Certificates 从 META-INF 下的 PKCS#7 签名文件中读取证书
func v1Certificates(r io.ReaderAt, size int64) ([]*x509.Certificate, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return nil, err
	}

	for _, zf := range zr.File {
		dir, name := path.Split(zf.Name)
		if dir != "META-INF/" {
			continue
		}
		switch strings.ToUpper(path.Ext(name)) {
		case ".RSA", ".DSA", ".EC":
		default:
			continue
		}

		rc, err := zf.Open()
		if err != nil {
			return nil, err
		}
		data, err := io.ReadAll(io.LimitReader(rc, 1<<20))
		rc.Close()
		if err != nil {
			return nil, err
		}
		return ParsePKCS7Certificates(data)
	}
	return nil, ErrNoSignature
}

// ParsePKCS7Certificates 提取 PKCS#7 SignedData 中的证书集合
func ParsePKCS7Certificates(data []byte) ([]*x509.Certificate, error) {
	var info pkcs7ContentInfo
	if _, err := asn1.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("pkcs7 content info: %w", err)
	}

	var sd pkcs7SignedData
	if _, err := asn1.Unmarshal(info.Content.Bytes, &sd); err != nil {
		return nil, fmt.Errorf("pkcs7 signed data: %w", err)
	}
	if len(sd.Certificates.Bytes) == 0 {
		return nil, ErrNoSignature
	}
	return x509.ParseCertificates(sd.Certificates.Bytes)
}

// CertificateFingerprint 证书 DER 的 SHA-256，大写十六进制
func CertificateFingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

// NormalizeFingerprint 去掉分隔符并转为大写
func NormalizeFingerprint(fp string) string {
	var b bytes.Buffer
	for _, c := range strings.ToUpper(fp) {
		if (c >= '0' && c <= '9') || (c >= 'A' && c <= 'F') {
			b.WriteRune(c)
		}
	}
	return b.String()
}
