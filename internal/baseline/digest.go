package baseline

import (
	"archive/zip"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/afero"
)

// ErrEntryNotFound 压缩包中不存在该条目
var ErrEntryNotFound = errors.New("zip entry not found")

// DigestFile 流式计算文件摘要
func DigestFile(fs afero.Fs, path string) (Digest, error) {
	var d Digest

	f, err := fs.Open(path)
	if err != nil {
		return d, err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return d, fmt.Errorf("hash %s: %w", path, err)
	}
	copy(d[:], h.Sum(nil))
	return d, nil
}

// DigestZipEntry 计算安装包内单个条目的摘要
func DigestZipEntry(fs afero.Fs, path, entry string) (Digest, error) {
	var d Digest

	f, err := fs.Open(path)
	if err != nil {
		return d, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return d, err
	}

	zr, err := zip.NewReader(f, info.Size())
	if err != nil {
		return d, fmt.Errorf("open zip %s: %w", path, err)
	}

	for _, zf := range zr.File {
		if zf.Name != entry {
			continue
		}
		rc, err := zf.Open()
		if err != nil {
			return d, err
		}
		defer rc.Close()

		h := sha256.New()
		if _, err := io.Copy(h, rc); err != nil {
			return d, fmt.Errorf("hash %s!%s: %w", path, entry, err)
		}
		copy(d[:], h.Sum(nil))
		return d, nil
	}
	return d, ErrEntryNotFound
}
