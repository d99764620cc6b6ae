package platform

import (
	"archive/zip"
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/binary"
	"math/big"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func selfSignedCert(t *testing.T, cn string) *x509.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: cn, Organization: []string{"Android"}, Country: []string{"US"}},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert
}

func prefixed(chunks ...[]byte) []byte {
	var buf bytes.Buffer
	for _, c := range chunks {
		_ = binary.Write(&buf, binary.LittleEndian, uint32(len(c)))
		buf.Write(c)
	}
	return buf.Bytes()
}

// v2SchemeValue 构造只包含证书的 v2 签名者序列
func v2SchemeValue(cert *x509.Certificate) []byte {
	signedData := append(prefixed([]byte{}), prefixed(prefixed(cert.Raw))...) // digests, certificates
	signedData = append(signedData, prefixed([]byte{})...)                    // attributes
	signer := prefixed(signedData, []byte{}, []byte{})                        // signed data, signatures, public key
	return prefixed(prefixed(signer))
}

func signingBlock(id uint32, value []byte) []byte {
	var pairs bytes.Buffer
	_ = binary.Write(&pairs, binary.LittleEndian, uint64(len(value)+4))
	_ = binary.Write(&pairs, binary.LittleEndian, id)
	pairs.Write(value)

	size := uint64(pairs.Len() + 24)
	var block bytes.Buffer
	_ = binary.Write(&block, binary.LittleEndian, size)
	block.Write(pairs.Bytes())
	_ = binary.Write(&block, binary.LittleEndian, size)
	block.WriteString(sigBlockMagic)
	return block.Bytes()
}

func buildZip(t *testing.T, files map[string][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

// insertSigningBlock 在中央目录前插入签名块并修正 EOCD 偏移
func insertSigningBlock(t *testing.T, apk, block []byte) []byte {
	t.Helper()
	eocd := len(apk) - eocdMinSize
	require.Equal(t, uint32(eocdSignature), binary.LittleEndian.Uint32(apk[eocd:]))
	cd := binary.LittleEndian.Uint32(apk[eocd+16:])

	out := append([]byte{}, apk[:cd]...)
	out = append(out, block...)
	out = append(out, apk[cd:]...)
	binary.LittleEndian.PutUint32(out[len(out)-eocdMinSize+16:], cd+uint32(len(block)))
	return out
}

// TestSigningBlockCertificates_V2 测试从 v2 签名块提取证书
func TestSigningBlockCertificates_V2(t *testing.T) {
	cert := selfSignedCert(t, "Release")
	apk := insertSigningBlock(t,
		buildZip(t, map[string][]byte{"classes.dex": []byte("dex\n035")}),
		signingBlock(schemeV2BlockID, v2SchemeValue(cert)))

	certs, err := SigningBlockCertificates(bytes.NewReader(apk), int64(len(apk)))
	require.NoError(t, err)
	require.Len(t, certs, 1)
	assert.Equal(t, cert.Raw, certs[0].Raw)

	// 插入签名块后仍是合法 zip
	_, err = zip.NewReader(bytes.NewReader(apk), int64(len(apk)))
	assert.NoError(t, err)
}

// TestSigningBlockCertificates_Unsigned 测试无签名块
func TestSigningBlockCertificates_Unsigned(t *testing.T) {
	apk := buildZip(t, map[string][]byte{"classes.dex": []byte("dex")})
	_, err := SigningBlockCertificates(bytes.NewReader(apk), int64(len(apk)))
	assert.ErrorIs(t, err, ErrNoSignature)
}

type testSignedData struct {
	Version          int
	DigestAlgorithms asn1.RawValue
	ContentInfo      asn1.RawValue
	Certificates     asn1.RawValue
	SignerInfos      asn1.RawValue
}

type testContentInfo struct {
	ContentType asn1.ObjectIdentifier
	Content     asn1.RawValue
}

func pkcs7WithCert(t *testing.T, cert *x509.Certificate) []byte {
	t.Helper()
	dataOID, err := asn1.Marshal(asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 1})
	require.NoError(t, err)

	sd, err := asn1.Marshal(testSignedData{
		Version:          1,
		DigestAlgorithms: asn1.RawValue{Class: asn1.ClassUniversal, Tag: asn1.TagSet, IsCompound: true},
		ContentInfo:      asn1.RawValue{Class: asn1.ClassUniversal, Tag: asn1.TagSequence, IsCompound: true, Bytes: dataOID},
		Certificates:     asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 0, IsCompound: true, Bytes: cert.Raw},
		SignerInfos:      asn1.RawValue{Class: asn1.ClassUniversal, Tag: asn1.TagSet, IsCompound: true},
	})
	require.NoError(t, err)

	out, err := asn1.Marshal(testContentInfo{
		ContentType: asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 2},
		Content:     asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 0, IsCompound: true, Bytes: sd},
	})
	require.NoError(t, err)
	return out
}

// TestReadSigningCertificates_V1Fallback 测试 v1 PKCS#7 回退
func TestReadSigningCertificates_V1Fallback(t *testing.T) {
	cert := selfSignedCert(t, "Android Debug")
	apk := buildZip(t, map[string][]byte{
		"classes.dex":          []byte("dex"),
		"META-INF/MANIFEST.MF": []byte("Manifest-Version: 1.0\n"),
		"META-INF/CERT.RSA":    pkcs7WithCert(t, cert),
	})

	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/data/app/base.apk", apk, 0o644))

	certs, err := ReadSigningCertificates(fs, "/data/app/base.apk")
	require.NoError(t, err)
	require.Len(t, certs, 1)
	assert.Contains(t, certs[0].Subject.String(), "CN=Android Debug")
}

// TestReadSigningCertificates_NoSignature 测试完全未签名
func TestReadSigningCertificates_NoSignature(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/a.apk", buildZip(t, map[string][]byte{"a": []byte("b")}), 0o644))

	_, err := ReadSigningCertificates(fs, "/a.apk")
	assert.ErrorIs(t, err, ErrNoSignature)
}

// TestFingerprints 测试指纹格式化
func TestFingerprints(t *testing.T) {
	cert := selfSignedCert(t, "Release")
	fp := CertificateFingerprint(cert)
	assert.Len(t, fp, 64)
	assert.Equal(t, fp, NormalizeFingerprint(insertColons(fp)))
	assert.Equal(t, "ABCD", NormalizeFingerprint("ab:cd"))
}

func insertColons(s string) string {
	var b bytes.Buffer
	for i := 0; i < len(s); i += 2 {
		if i > 0 {
			b.WriteByte(':')
		}
		b.WriteString(s[i : i+2])
	}
	return b.String()
}
