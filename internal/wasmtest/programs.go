package wasmtest

import (
	"encoding/binary"
	"testing"

	"github.com/woxQAQ/plugin-runner/internal/envelope"
	"github.com/woxQAQ/plugin-runner/pkg/ast"
)

// ConsoleLog returns the program for `console.log(foo)`.
func ConsoleLog() *ast.Program {
	callee := ast.NewMember(ast.Span{Lo: 0, Hi: 11},
		ast.NewIdent(ast.Span{Lo: 0, Hi: 7}, "console"),
		&ast.Ident{Span: ast.Span{Lo: 8, Hi: 11}, Sym: "log"})
	call := ast.NewCall(ast.Span{Lo: 0, Hi: 16}, callee, ast.NewIdent(ast.Span{Lo: 12, Hi: 15}, "foo"))
	return ast.NewModule(ast.Span{Lo: 0, Hi: 16}, ast.NewExprStmt(call))
}

// RewriteConsoleArgs replaces the first argument of every console.* call with
// the string literal value, keeping the argument's span. It mirrors what the
// rewrite fixture plugin does.
func RewriteConsoleArgs(p *ast.Program, value string) *ast.Program {
	ast.Inspect(p, func(e *ast.Expr) bool {
		if e.Kind != ast.ExprKindCall {
			return true
		}
		if obj, ok := e.Call.CalleeObject(); ok && obj == "console" && len(e.Call.Args) > 0 {
			e.Call.Args[0] = ast.NewStr(e.Call.Args[0].Span, value)
		}
		return true
	})
	return p
}

// RewritePlugin returns a module that turns `console.log(foo)` into
// `console.log("changed_via_plugin")` and passes any other program through.
func RewritePlugin(t testing.TB) []byte {
	t.Helper()
	return Substitute(
		MustEncode(t, ConsoleLog()),
		MustEncode(t, RewriteConsoleArgs(ConsoleLog(), "changed_via_plugin")),
	)
}

// MustEncode encodes v into envelope bytes.
func MustEncode(t testing.TB, v any) []byte {
	t.Helper()
	env, err := envelope.Encode(v)
	if err != nil {
		t.Fatalf("envelope.Encode: %v", err)
	}
	return env.Bytes()
}

// WithVersion returns a copy of data with its schema version replaced.
func WithVersion(data []byte, version uint32) []byte {
	out := append([]byte(nil), data...)
	binary.LittleEndian.PutUint32(out, version)
	return out
}
