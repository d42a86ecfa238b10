// Package disasm attaches a human-readable "what was the guest doing"
// hint to fatal VM exits. It never changes control flow or status codes —
// pure diagnostics, decoding one x86 instruction at a time via
// golang.org/x/arch/x86/x86asm.
package disasm

import "golang.org/x/arch/x86/x86asm"

// Mode64 selects 64-bit decode; the only mode this module's guests ever
// run in.
const Mode64 = 64

// DescribeFault decodes the first instruction in code (bytes read from
// the guest at its last-known rip) and returns its Intel-syntax text. It
// returns "<undecodable>" rather than an error: a diagnostic that fails
// to decode is still worth reporting as "we don't know", not worth
// failing the caller over.
func DescribeFault(code []byte, mode int) string {
	inst, err := x86asm.Decode(code, mode)
	if err != nil {
		return "<undecodable>"
	}
	return x86asm.IntelSyntax(inst, 0, nil)
}
