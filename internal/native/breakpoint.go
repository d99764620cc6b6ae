package native

import (
	"encoding/binary"
	"runtime"

	"golang.org/x/arch/arm64/arm64asm"
	"golang.org/x/arch/x86/x86asm"
)

// Arch 指令集
type Arch string

const (
	ArchAMD64  Arch = "amd64"
	Arch386    Arch = "386"
	ArchARM64  Arch = "arm64"
	ArchARM    Arch = "arm"
	ArchMIPS   Arch = "mips"
	ArchMIPSLE Arch = "mipsle"
)

// CurrentArch 当前进程的指令集
func CurrentArch() Arch {
	switch runtime.GOARCH {
	case "mips64":
		return ArchMIPS
	case "mips64le":
		return ArchMIPSLE
	}
	return Arch(runtime.GOARCH)
}

// MaxScanInstructions 每个入口最多解码的指令数
const MaxScanInstructions = 16

func word(code []byte, off int, bigEndian bool) uint32 {
	if bigEndian {
		return binary.BigEndian.Uint32(code[off:])
	}
	return binary.LittleEndian.Uint32(code[off:])
}

// FindBreakpoints 返回入口处断点指令的偏移；遇到返回或无条件跳转即停止，避免越过函数尾部填充
func FindBreakpoints(code []byte, arch Arch, maxInsns int) []int {
	switch arch {
	case ArchAMD64, Arch386:
		return findX86(code, arch, maxInsns)
	case ArchARM64:
		return findARM64(code, maxInsns)
	case ArchARM:
		return findWords(code, maxInsns, false, func(w uint32) bool {
			return w&0xFFF000F0 == 0xE1200070 // BKPT
		})
	case ArchMIPS, ArchMIPSLE:
		return findWords(code, maxInsns, arch == ArchMIPS, func(w uint32) bool {
			return w&0xFC00003F == 0x0000000D // BREAK
		})
	}
	return nil
}

func findX86(code []byte, arch Arch, maxInsns int) []int {
	mode := 64
	if arch == Arch386 {
		mode = 32
	}

	var hits []int
	off := 0
	for n := 0; n < maxInsns && off < len(code); n++ {
		inst, err := x86asm.Decode(code[off:], mode)
		if err != nil || inst.Len == 0 {
			break
		}
		if inst.Op == x86asm.INT && len(inst.Args) > 0 && inst.Args[0] == x86asm.Imm(3) {
			hits = append(hits, off)
		}
		if inst.Op == x86asm.RET || inst.Op == x86asm.JMP {
			break
		}
		off += inst.Len
	}
	return hits
}

func findARM64(code []byte, maxInsns int) []int {
	var hits []int
	for n, off := 0, 0; n < maxInsns && off+4 <= len(code); n, off = n+1, off+4 {
		inst, err := arm64asm.Decode(code[off : off+4])
		if err != nil {
			break
		}
		if inst.Op == arm64asm.BRK {
			hits = append(hits, off)
		}
		if inst.Op == arm64asm.RET || inst.Op == arm64asm.B {
			break
		}
	}
	return hits
}

func findWords(code []byte, maxInsns int, bigEndian bool, isBreak func(uint32) bool) []int {
	var hits []int
	for n, off := 0, 0; n < maxInsns && off+4 <= len(code); n, off = n+1, off+4 {
		if isBreak(word(code, off, bigEndian)) {
			hits = append(hits, off)
		}
	}
	return hits
}

// unexpectedBreakpoints 过滤允许的偏移
func unexpectedBreakpoints(hits, allowed []int) []int {
	var out []int
	for _, h := range hits {
		ok := false
		for _, a := range allowed {
			if h == a {
				ok = true
				break
			}
		}
		if !ok {
			out = append(out, h)
		}
	}
	return out
}
