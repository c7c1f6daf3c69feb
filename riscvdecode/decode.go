// Package riscvdecode implements the narrow instruction decoding the
// security monitor needs to service guest load/store page faults: the
// length of the faulting instruction and which general-purpose register
// carries the faulted value. It covers the standard RV64 load/store
// opcodes and the compressed (RVC) forms the original ACE-RISCV
// implementation special-cased, restructured as a data table per spec
// §9's guidance ("factor it as a table-driven decoder").
//
// Anything outside the listed opcodes is not a general RISC-V decoder:
// per spec §9, the inherited decode logic is authoritative only for the
// instructions a guest page fault can plausibly trap on.
package riscvdecode

import "github.com/ace-sm/monitor/smerrors"

// Kind identifies the instruction category relevant to fault handling.
type Kind int

const (
	KindLoad Kind = iota
	KindStore
)

// Decoded is the result of decoding a faulting load/store instruction.
type Decoded struct {
	Kind              Kind
	Register          int // GPR index, 0-31
	InstructionLength int // 2 (compressed) or 4 (standard)
}

// InstructionLength reports whether the 16 low-order bits of a
// faulting instruction word indicate a compressed (2-byte) or standard
// (4-byte) RISC-V instruction: the bottom two bits of a standard
// instruction are always 0b11.
func InstructionLength(firstHalfWord uint16) int {
	if firstHalfWord&0x3 == 0x3 {
		return 4
	}
	return 2
}

// standard RV64 load/store opcodes and funct3 codes.
const (
	opLoad  = 0x03
	opStore = 0x23
)

type standardEntry struct {
	funct3 uint32
	kind   Kind
}

var standardLoads = map[uint32]standardEntry{
	0b000: {0, KindLoad}, // LB
	0b001: {1, KindLoad}, // LH
	0b010: {2, KindLoad}, // LW
	0b011: {3, KindLoad}, // LD
	0b100: {4, KindLoad}, // LBU
	0b101: {5, KindLoad}, // LHU
	0b110: {6, KindLoad}, // LWU
}

var standardStores = map[uint32]standardEntry{
	0b000: {0, KindStore}, // SB
	0b001: {1, KindStore}, // SH
	0b010: {2, KindStore}, // SW
	0b011: {3, KindStore}, // SD
}

// compressedEntry matches a 16-bit compressed instruction against
// (mask, pattern) and reports how to recover its register operand.
type compressedEntry struct {
	mask, match uint32
	kind        Kind
	regKind     regKind
}

type regKind int

const (
	regCompressed regKind = iota // register is 8 + bits[4:2] (C.LW/C.LD/C.SW/C.SD)
	regSink                      // destination is x0 (C.LWSP/C.LDSP)
	regFullSP                    // register is bits[6:2] (C.SWSP/C.SDSP)
)

var compressedTable = []compressedEntry{
	{mask: 0xe003, match: 0x4000, kind: KindLoad, regKind: regCompressed},  // C.LW
	{mask: 0xe003, match: 0x6000, kind: KindLoad, regKind: regCompressed},  // C.LD
	{mask: 0xe003, match: 0xc000, kind: KindStore, regKind: regCompressed}, // C.SW
	{mask: 0xe003, match: 0xe000, kind: KindStore, regKind: regCompressed}, // C.SD
	{mask: 0xe003, match: 0x4002, kind: KindLoad, regKind: regSink},        // C.LWSP
	{mask: 0xe003, match: 0x6002, kind: KindLoad, regKind: regSink},        // C.LDSP
	{mask: 0xe003, match: 0xc002, kind: KindStore, regKind: regFullSP},     // C.SWSP
	{mask: 0xe003, match: 0xe002, kind: KindStore, regKind: regFullSP},     // C.SDSP
}

// Decode decodes a load or store instruction word and returns which
// kind it is and which GPR carries the faulting value. instr is the
// full 32-bit word for standard instructions; for compressed
// instructions only the low 16 bits are examined.
func Decode(instr uint32) (Decoded, error) {
	if instr&0x3 == 0x3 {
		return decodeStandard(instr)
	}
	return decodeCompressed(uint16(instr))
}

func decodeStandard(instr uint32) (Decoded, error) {
	opcode := instr & 0x7f
	funct3 := (instr >> 12) & 0x7
	switch opcode {
	case opLoad:
		if e, ok := standardLoads[funct3]; ok {
			rd := int((instr >> 7) & 0x1f)
			return Decoded{Kind: e.kind, Register: rd, InstructionLength: 4}, nil
		}
	case opStore:
		if e, ok := standardStores[funct3]; ok {
			rs2 := int((instr >> 20) & 0x1f)
			return Decoded{Kind: e.kind, Register: rs2, InstructionLength: 4}, nil
		}
	}
	return Decoded{}, smerrors.NewInvalidInstruction(instr)
}

func decodeCompressed(instr uint16) (Decoded, error) {
	w := uint32(instr)
	for _, e := range compressedTable {
		if w&e.mask != e.match {
			continue
		}
		var reg int
		switch e.regKind {
		case regCompressed:
			reg = 8 + int((w>>2)&0x7)
		case regSink:
			reg = 0
		case regFullSP:
			reg = int((w >> 2) & 0x1f)
		}
		return Decoded{Kind: e.kind, Register: reg, InstructionLength: 2}, nil
	}
	return Decoded{}, smerrors.NewInvalidInstruction(w)
}
