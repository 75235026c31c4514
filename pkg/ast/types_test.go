package ast

import "testing"

func consoleLog() *Program {
	// console.log(foo)
	callee := NewMember(Span{Lo: 0, Hi: 11}, NewIdent(Span{Lo: 0, Hi: 7}, "console"), &Ident{Span: Span{Lo: 8, Hi: 11}, Sym: "log"})
	call := NewCall(Span{Lo: 0, Hi: 16}, callee, NewIdent(Span{Lo: 12, Hi: 15}, "foo"))
	return NewModule(Span{Lo: 0, Hi: 16}, NewExprStmt(call))
}

func TestSpanIsDummy(t *testing.T) {
	if !(Span{}).IsDummy() {
		t.Error("zero span should be dummy")
	}
	if (Span{Lo: 1, Hi: 2}).IsDummy() {
		t.Error("non-zero span should not be dummy")
	}
}

func TestInspectVisitsAllExpressions(t *testing.T) {
	var kinds []ExprKind
	Inspect(consoleLog(), func(e *Expr) bool {
		kinds = append(kinds, e.Kind)
		return true
	})

	want := []ExprKind{ExprKindCall, ExprKindMember, ExprKindIdent, ExprKindIdent}
	if len(kinds) != len(want) {
		t.Fatalf("visited %d expressions, want %d", len(kinds), len(want))
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("kind[%d] = %d, want %d", i, kinds[i], want[i])
		}
	}
}

func TestInspectSkipsChildren(t *testing.T) {
	count := 0
	Inspect(consoleLog(), func(e *Expr) bool {
		count++
		return e.Kind != ExprKindCall
	})

	if count != 1 {
		t.Errorf("visited %d expressions, want 1", count)
	}
}

func TestInspectNilProgram(t *testing.T) {
	Inspect(nil, func(*Expr) bool {
		t.Fatal("callback should not run for nil program")
		return true
	})
}

func TestCalleeObject(t *testing.T) {
	call := consoleLog().Body[0].Expr.Call

	obj, ok := call.CalleeObject()
	if !ok {
		t.Fatal("expected member callee")
	}
	if obj != "console" {
		t.Errorf("callee object = %s, want console", obj)
	}

	plain := NewCall(Span{}, NewIdent(Span{}, "foo"))
	if _, ok := plain.Call.CalleeObject(); ok {
		t.Error("plain identifier callee should not report an object")
	}
}
