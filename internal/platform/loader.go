package platform

import (
	"bufio"
	"bytes"
	"context"
	"debug/elf"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/afero"
)

// LoaderIdentity 加载器类型及其注入点
type LoaderIdentity struct {
	Type    string   // 动态链接器路径，静态链接为 "static"
	Methods []string // 预加载库等会改变加载行为的条目
}

// LoaderInspector 读取当前进程的加载器身份
type LoaderInspector interface {
	Inspect(ctx context.Context) (LoaderIdentity, error)
}

// ELFLoaderInspector 从可执行文件的 PT_INTERP 与预加载配置推导加载器身份
type ELFLoaderInspector struct {
	fs          afero.Fs
	exePath     string
	preloadFile string
	getenv      func(string) string
}

// NewELFLoaderInspector 创建加载器检查器
func NewELFLoaderInspector(fs afero.Fs, exePath string) *ELFLoaderInspector {
	if exePath == "" {
		exePath = "/proc/self/exe"
	}
	return &ELFLoaderInspector{
		fs:          fs,
		exePath:     exePath,
		preloadFile: "/etc/ld.so.preload",
		getenv:      os.Getenv,
	}
}

// WithEnv 替换环境变量读取函数
func (i *ELFLoaderInspector) WithEnv(getenv func(string) string) *ELFLoaderInspector {
	i.getenv = getenv
	return i
}

// Inspect 读取加载器身份
func (i *ELFLoaderInspector) Inspect(ctx context.Context) (LoaderIdentity, error) {
	interp, err := i.interpreter()
	if err != nil {
		return LoaderIdentity{}, err
	}

	identity := LoaderIdentity{Type: interp}
	for _, entry := range strings.FieldsFunc(i.getenv("LD_PRELOAD"), func(r rune) bool {
		return r == ':' || r == ' '
	}) {
		identity.Methods = append(identity.Methods, "LD_PRELOAD:"+entry)
	}

	if data, err := afero.ReadFile(i.fs, i.preloadFile); err == nil {
		scanner := bufio.NewScanner(bytes.NewReader(data))
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			identity.Methods = append(identity.Methods, "ld.so.preload:"+line)
		}
	}

	return identity, nil
}

func (i *ELFLoaderInspector) interpreter() (string, error) {
	f, err := i.fs.Open(i.exePath)
	if err != nil {
		return "", fmt.Errorf("open executable: %w", err)
	}
	defer f.Close()

	ef, err := elf.NewFile(f)
	if err != nil {
		return "", fmt.Errorf("parse executable: %w", err)
	}
	defer ef.Close()

	for _, prog := range ef.Progs {
		if prog.Type != elf.PT_INTERP {
			continue
		}
		data, err := io.ReadAll(prog.Open())
		if err != nil {
			return "", fmt.Errorf("read interpreter: %w", err)
		}
		return strings.TrimRight(string(data), "\x00"), nil
	}
	return "static", nil
}
