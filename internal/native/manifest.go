package native

import (
	"reflect"
	"runtime"
	"unsafe"
)

// PrologueSize 观察入口时读取的字节数
const PrologueSize = 64

// EntryPoint 期望存在的内部入口
type EntryPoint struct {
	Name string      // 完整限定函数名
	Fn   interface{} // 函数值
	// AllowedBreakpoints 允许出现断点指令的偏移（例如编译器插入的陷阱）
	AllowedBreakpoints []int
}

// Observed 运行时观察到的入口形态
type Observed struct {
	Name     string
	Entry    uintptr
	Code     []byte
	Resolved bool
}

// Observer 观察函数入口，独立于期望清单以便替换
type Observer interface {
	Observe(fn interface{}) Observed
}

// RuntimeObserver 通过 runtime.FuncForPC 观察当前进程中的函数
type RuntimeObserver struct{}

// Observe 解析函数入口并读取前 PrologueSize 字节
func (RuntimeObserver) Observe(fn interface{}) Observed {
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func || v.IsNil() {
		return Observed{}
	}
	pc := v.Pointer()
	f := runtime.FuncForPC(pc)
	if f == nil {
		return Observed{Entry: pc}
	}
	entry := f.Entry()
	return Observed{
		Name:     f.Name(),
		Entry:    entry,
		Code:     readCode(entry, PrologueSize),
		Resolved: true,
	}
}

// readCode 读取代码段；入口来自 runtime 解析，位于已映射的 text 段内
func readCode(addr uintptr, n int) []byte {
	code := make([]byte, n)
	copy(code, unsafe.Slice((*byte)(unsafe.Pointer(addr)), n))
	return code
}

// Violation 一个入口的不一致
type Violation struct {
	Entry  string
	Reason string
}

const (
	ReasonUnresolved = "unresolved"
	ReasonRenamed    = "name mismatch"
	ReasonInlineHook = "inline hook prologue"
)

// Manifest 期望的入口清单
type Manifest struct {
	entries []EntryPoint
}

// NewManifest 创建入口清单
func NewManifest(entries ...EntryPoint) *Manifest {
	return &Manifest{entries: append([]EntryPoint(nil), entries...)}
}

// Entries 清单条目的拷贝
func (m *Manifest) Entries() []EntryPoint {
	if m == nil {
		return nil
	}
	return append([]EntryPoint(nil), m.entries...)
}

// Observe 第一阶段：观察全部入口
func (m *Manifest) Observe(obs Observer) []Observed {
	entries := m.Entries()
	out := make([]Observed, len(entries))
	for i, e := range entries {
		out[i] = obs.Observe(e.Fn)
	}
	return out
}

// Compare 第二阶段：将观察结果与清单比对
func (m *Manifest) Compare(observed []Observed, arch Arch) []Violation {
	var violations []Violation
	for i, e := range m.Entries() {
		if i >= len(observed) || !observed[i].Resolved {
			violations = append(violations, Violation{Entry: e.Name, Reason: ReasonUnresolved})
			continue
		}
		o := observed[i]
		if e.Name != "" && o.Name != e.Name {
			violations = append(violations, Violation{Entry: e.Name, Reason: ReasonRenamed})
			continue
		}
		if InlineHooked(o.Code, arch) {
			violations = append(violations, Violation{Entry: e.Name, Reason: ReasonInlineHook})
		}
	}
	return violations
}

// Verify 观察并比对
func (m *Manifest) Verify(obs Observer, arch Arch) []Violation {
	return m.Compare(m.Observe(obs), arch)
}

// InlineHooked 入口是否为常见的跳板补丁
func InlineHooked(code []byte, arch Arch) bool {
	switch arch {
	case ArchAMD64, Arch386:
		if len(code) < 1 {
			return false
		}
		switch code[0] {
		case 0xE9, 0x68: // jmp rel32 / push imm32; ret
			return true
		case 0xFF:
			return len(code) > 1 && code[1] == 0x25 // jmp [rip+disp32]
		case 0x48:
			// mov rax, imm64; jmp rax
			return len(code) >= 12 && code[1] == 0xB8 && code[10] == 0xFF && code[11] == 0xE0
		}
	case ArchARM64:
		if len(code) < 8 {
			return false
		}
		first, second := word(code, 0, false), word(code, 4, false)
		// ldr x16|x17, #8; br x16|x17
		return (first == 0x58000050 || first == 0x58000051) &&
			(second == 0xD61F0200 || second == 0xD61F0220)
	case ArchARM:
		// ldr pc, [pc, #-4]
		return len(code) >= 4 && word(code, 0, false) == 0xE51FF004
	}
	return false
}
