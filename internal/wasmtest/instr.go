package wasmtest

import "github.com/wippyai/wasm-runtime/wasm"

// Code concatenates instruction fragments.
func Code(parts ...[]wasm.Instruction) []wasm.Instruction {
	var out []wasm.Instruction
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// Op wraps instructions without immediates.
func Op(ops ...byte) []wasm.Instruction {
	out := make([]wasm.Instruction, len(ops))
	for i, op := range ops {
		out[i] = wasm.Instruction{Opcode: op}
	}
	return out
}

func one(op byte, imm any) []wasm.Instruction {
	return []wasm.Instruction{{Opcode: op, Imm: imm}}
}

// I32Const pushes v.
func I32Const(v int32) []wasm.Instruction { return one(wasm.OpI32Const, wasm.I32Imm{Value: v}) }

// I64Const pushes v.
func I64Const(v int64) []wasm.Instruction { return one(wasm.OpI64Const, wasm.I64Imm{Value: v}) }

// LocalGet pushes local idx.
func LocalGet(idx uint32) []wasm.Instruction { return one(wasm.OpLocalGet, wasm.LocalImm{LocalIdx: idx}) }

// LocalSet pops into local idx.
func LocalSet(idx uint32) []wasm.Instruction { return one(wasm.OpLocalSet, wasm.LocalImm{LocalIdx: idx}) }

// LocalTee stores into local idx and keeps the value.
func LocalTee(idx uint32) []wasm.Instruction { return one(wasm.OpLocalTee, wasm.LocalImm{LocalIdx: idx}) }

// GlobalGet pushes global idx.
func GlobalGet(idx uint32) []wasm.Instruction {
	return one(wasm.OpGlobalGet, wasm.GlobalImm{GlobalIdx: idx})
}

// GlobalSet pops into global idx.
func GlobalSet(idx uint32) []wasm.Instruction {
	return one(wasm.OpGlobalSet, wasm.GlobalImm{GlobalIdx: idx})
}

// Call calls function idx.
func Call(idx uint32) []wasm.Instruction { return one(wasm.OpCall, wasm.CallImm{FuncIdx: idx}) }

// Load8U loads one byte zero-extended: [addr] -> [i32].
func Load8U() []wasm.Instruction { return one(wasm.OpI32Load8U, wasm.MemoryImm{}) }

// MemoryGrow is memory.grow on memory 0: [pages] -> [old pages or -1].
func MemoryGrow() []wasm.Instruction { return one(wasm.OpMemoryGrow, wasm.MemoryIdxImm{}) }

// MemoryCopy is memory.copy on memory 0: [dst, src, n] -> [].
func MemoryCopy() []wasm.Instruction {
	return one(wasm.OpPrefixMisc, wasm.MiscImm{SubOpcode: wasm.MiscMemoryCopy, Operands: []uint32{0, 0}})
}

// MemoryFill is memory.fill on memory 0: [dst, value, n] -> [].
func MemoryFill() []wasm.Instruction {
	return one(wasm.OpPrefixMisc, wasm.MiscImm{SubOpcode: wasm.MiscMemoryFill, Operands: []uint32{0}})
}

func block(op byte, body []wasm.Instruction) []wasm.Instruction {
	return Code(one(op, wasm.BlockImm{Type: wasm.BlockTypeVoid}), body, Op(wasm.OpEnd))
}

// If runs body when the top of stack is non-zero.
func If(body ...[]wasm.Instruction) []wasm.Instruction {
	return block(wasm.OpIf, Code(body...))
}

// BrIf branches to label depth when the top of stack is non-zero.
func BrIf(depth uint32) []wasm.Instruction { return one(wasm.OpBrIf, wasm.BranchImm{LabelIdx: depth}) }

// Br branches to label depth.
func Br(depth uint32) []wasm.Instruction { return one(wasm.OpBr, wasm.BranchImm{LabelIdx: depth}) }

// While runs body for as long as cond leaves a non-zero value. Inside body,
// label 0 continues and label 1 breaks.
func While(cond []wasm.Instruction, body ...[]wasm.Instruction) []wasm.Instruction {
	return block(wasm.OpBlock, block(wasm.OpLoop, Code(
		cond, Op(wasm.OpI32Eqz), BrIf(1),
		Code(body...),
		Br(0),
	)))
}

// Forever is an empty infinite loop.
func Forever() []wasm.Instruction {
	return block(wasm.OpLoop, Br(0))
}

// PackRegion combines two i32 locals into ptr<<32 | len.
func PackRegion(ptrLocal, lenLocal uint32) []wasm.Instruction {
	return Code(
		LocalGet(ptrLocal), Op(wasm.OpI64ExtendI32U), I64Const(32), Op(wasm.OpI64Shl),
		LocalGet(lenLocal), Op(wasm.OpI64ExtendI32U),
		Op(wasm.OpI64Or),
	)
}

// expr encodes a constant expression terminated by end.
func expr(instrs []wasm.Instruction) []byte {
	return wasm.EncodeInstructions(Code(instrs, Op(wasm.OpEnd)))
}
