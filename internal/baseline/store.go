package baseline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/raspguard/raspguard-go/internal/repository"
	"github.com/raspguard/raspguard-go/internal/retry"
	"github.com/sirupsen/logrus"
)

// 固定的基线名称
const (
	NameAPK = "apk_checksum"
	NameDEX = "dex_checksum"
)

// ErrNotFound 基线不存在
var ErrNotFound = errors.New("baseline not found")

// Digest SHA-256 摘要
type Digest [sha256.Size]byte

// String 小写 hex
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// IsZero 是否为零值
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// ParseDigest 解析 hex 摘要
func ParseDigest(s string) (Digest, error) {
	var d Digest
	raw, err := hex.DecodeString(s)
	if err != nil {
		return d, fmt.Errorf("decode digest: %w", err)
	}
	if len(raw) != len(d) {
		return d, fmt.Errorf("digest length %d, want %d", len(raw), len(d))
	}
	copy(d[:], raw)
	return d, nil
}

// Reader 只读基线访问，检测器依赖此接口
type Reader interface {
	Load(ctx context.Context, name string) (Digest, bool)
}

// WriteObserver 写入结果指标
type WriteObserver interface {
	RecordBaselineWrite(name string, err error)
}

// Store 加密基线存储
type Store struct {
	repo     repository.BaselineRepository
	key      []byte
	policy   *retry.Policy
	observer WriteObserver
	logger   *logrus.Logger
}

// NewStore 创建存储，seed 为空时使用编译期种子
func NewStore(repo repository.BaselineRepository, seed string, logger *logrus.Logger) (*Store, error) {
	if seed == "" {
		seed = embeddedSeed
	}
	key, err := DeriveKey([]byte(seed), defaultSalt)
	if err != nil {
		return nil, fmt.Errorf("derive baseline key: %w", err)
	}
	return &Store{
		repo:   repo,
		key:    key,
		policy: retry.StorePolicy(logger),
		logger: logger,
	}, nil
}

// WithObserver 设置写入指标
func (s *Store) WithObserver(o WriteObserver) *Store {
	s.observer = o
	return s
}

// Store 加密并覆盖写入
func (s *Store) Store(ctx context.Context, name string, digest Digest) error {
	ciphertext, err := seal(s.key, digest[:])
	if err != nil {
		return fmt.Errorf("encrypt baseline %s: %w", name, err)
	}

	err = retry.Do(ctx, s.policy, func(ctx context.Context) error {
		return s.repo.Upsert(ctx, name, ciphertext)
	})
	if s.observer != nil {
		s.observer.RecordBaselineWrite(name, err)
	}
	if err != nil {
		return err
	}

	s.logger.WithField("name", name).Debug("Baseline stored")
	return nil
}

// Load 读取并解密，任何失败都视为不存在
func (s *Store) Load(ctx context.Context, name string) (Digest, bool) {
	var digest Digest

	ciphertext, err := s.repo.Get(ctx, name)
	if errors.Is(err, repository.ErrNotFound) {
		return digest, false
	}
	if err != nil {
		s.logger.WithError(err).WithField("name", name).Warn("Failed to read baseline")
		return digest, false
	}

	plain, err := open(s.key, ciphertext)
	if err != nil {
		s.logger.WithError(err).WithField("name", name).Warn("Failed to decrypt baseline")
		return digest, false
	}
	if len(plain) != len(digest) {
		s.logger.WithField("name", name).Warn("Baseline has unexpected length")
		return digest, false
	}

	copy(digest[:], plain)
	return digest, true
}

// Import 将清单中的摘要写入存储
func (s *Store) Import(ctx context.Context, m *Manifest) error {
	for name, value := range m.Digests {
		digest, err := ParseDigest(value)
		if err != nil {
			return fmt.Errorf("manifest digest %s: %w", name, err)
		}
		if err := s.Store(ctx, name, digest); err != nil {
			return err
		}
	}
	return nil
}

// Seed 只为仓库中尚无记录的名称写入清单摘要，已有记录（包括无法解密的）保持不变
func (s *Store) Seed(ctx context.Context, m *Manifest) int {
	seeded := 0
	for name, value := range m.Digests {
		log := s.logger.WithField("name", name)

		_, err := s.repo.Get(ctx, name)
		if err == nil {
			log.Debug("Baseline already recorded, manifest entry ignored")
			continue
		}
		if !errors.Is(err, repository.ErrNotFound) {
			log.WithError(err).Warn("Failed to read baseline, manifest entry ignored")
			continue
		}

		digest, err := ParseDigest(value)
		if err != nil {
			log.WithError(err).Warn("Invalid manifest digest")
			continue
		}
		if err := s.Store(ctx, name, digest); err != nil {
			log.WithError(err).Warn("Failed to seed baseline")
			continue
		}
		seeded++
	}
	return seeded
}

// Names 已记录的基线名称
func (s *Store) Names(ctx context.Context) ([]string, error) {
	return s.repo.Names(ctx)
}

// Delete 显式删除一条基线
func (s *Store) Delete(ctx context.Context, name string) error {
	return s.repo.Delete(ctx, name)
}
