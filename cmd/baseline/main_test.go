package main

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"path/filepath"
	"testing"

	"github.com/raspguard/raspguard-go/internal/baseline"
	"github.com/raspguard/raspguard-go/internal/config"
	"github.com/raspguard/raspguard-go/internal/repository"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeAPK(t *testing.T, fs afero.Fs, path string, dex []byte) []byte {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("classes.dex")
	require.NoError(t, err)
	_, err = w.Write(dex)
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	require.NoError(t, afero.WriteFile(fs, path, buf.Bytes(), 0644))
	return buf.Bytes()
}

// TestBuildManifest 测试摘要计算，未签名 APK 仅缺少指纹
func TestBuildManifest(t *testing.T) {
	fs := afero.NewMemMapFs()
	dex := []byte("dex\n035\x00payload")
	apk := writeAPK(t, fs, "/tmp/app.apk", dex)

	manifest, err := buildManifest(fs, "/tmp/app.apk", "")
	require.NoError(t, err)

	apkSum := sha256.Sum256(apk)
	dexSum := sha256.Sum256(dex)
	assert.Equal(t, hex.EncodeToString(apkSum[:]), manifest.Digests[baseline.NameAPK])
	assert.Equal(t, hex.EncodeToString(dexSum[:]), manifest.Digests[baseline.NameDEX])
	assert.Empty(t, manifest.Fingerprints)
	assert.False(t, manifest.GeneratedAt.IsZero())
}

// TestBuildManifest_MissingDex 测试 DEX 条目不存在
func TestBuildManifest_MissingDex(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeAPK(t, fs, "/tmp/app.apk", []byte("dex"))

	_, err := buildManifest(fs, "/tmp/app.apk", "classes2.dex")
	assert.Error(t, err)
}

// TestListBaselines 测试列出已记录基线
func TestListBaselines(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	db, err := repository.InitDB(&config.BaselineConfig{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "b.db")}, logger)
	require.NoError(t, err)
	s, err := baseline.NewStore(repository.NewBaselineRepository(db), "seed", logger)
	require.NoError(t, err)
	ctx := context.Background()

	var out bytes.Buffer
	require.NoError(t, listBaselines(ctx, s, &out))
	assert.Contains(t, out.String(), "no baselines recorded")

	digest := baseline.Digest(sha256.Sum256([]byte("dex")))
	require.NoError(t, s.Store(ctx, baseline.NameDEX, digest))
	require.NoError(t, repository.NewBaselineRepository(db).Upsert(ctx, "stale", []byte("garbage")))

	out.Reset()
	require.NoError(t, listBaselines(ctx, s, &out))
	assert.Contains(t, out.String(), digest.String())
	assert.Contains(t, out.String(), "stale")
	assert.Contains(t, out.String(), "unreadable")

	require.NoError(t, s.Delete(ctx, "stale"))
	out.Reset()
	require.NoError(t, listBaselines(ctx, s, &out))
	assert.NotContains(t, out.String(), "stale")
}
