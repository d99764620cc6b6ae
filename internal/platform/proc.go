package platform

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/prometheus/procfs"
)

// ProcReader 读取指定进程的 procfs 信息
type ProcReader struct {
	fs   procfs.FS
	root string
	pid  int
}

// NewProcReader 创建 procfs 读取器；pid 为 0 时使用当前进程
func NewProcReader(root string, pid int) (*ProcReader, error) {
	if root == "" {
		root = procfs.DefaultMountPoint
	}
	if pid == 0 {
		pid = os.Getpid()
	}
	fs, err := procfs.NewFS(root)
	if err != nil {
		return nil, fmt.Errorf("open procfs %s: %w", root, err)
	}
	return &ProcReader{fs: fs, root: root, pid: pid}, nil
}

func (p *ProcReader) proc() (procfs.Proc, error) {
	proc, err := p.fs.Proc(p.pid)
	if err != nil {
		return procfs.Proc{}, fmt.Errorf("proc %d: %w", p.pid, ErrUnavailable)
	}
	return proc, nil
}

// Maps 进程内存映射
func (p *ProcReader) Maps() ([]*procfs.ProcMap, error) {
	proc, err := p.proc()
	if err != nil {
		return nil, err
	}
	return proc.ProcMaps()
}

// Mounts 进程挂载命名空间中的挂载点
func (p *ProcReader) Mounts() ([]*procfs.MountInfo, error) {
	proc, err := p.proc()
	if err != nil {
		return nil, err
	}
	return proc.MountInfo()
}

// TracerPid 读取 status 中的 TracerPid，procfs.ProcStatus 未暴露该字段
func (p *ProcReader) TracerPid() (int, error) {
	data, err := os.ReadFile(filepath.Join(p.root, strconv.Itoa(p.pid), "status"))
	if err != nil {
		return 0, fmt.Errorf("read status: %w", err)
	}
	return ParseTracerPid(data)
}

// ParseTracerPid 从 status 内容中解析 TracerPid
func ParseTracerPid(status []byte) (int, error) {
	scanner := bufio.NewScanner(bytes.NewReader(status))
	for scanner.Scan() {
		value, ok := strings.CutPrefix(scanner.Text(), "TracerPid:")
		if !ok {
			continue
		}
		pid, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return 0, fmt.Errorf("parse TracerPid: %w", err)
		}
		return pid, nil
	}
	return 0, fmt.Errorf("TracerPid not present: %w", ErrUnavailable)
}

// WritableExecutable 统计同时可写可执行的映射
func WritableExecutable(maps []*procfs.ProcMap) int {
	count := 0
	for _, m := range maps {
		if m.Perms != nil && m.Perms.Write && m.Perms.Execute {
			count++
		}
	}
	return count
}
