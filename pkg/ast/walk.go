package ast

// Inspect traverses the program in depth-first order and calls fn for every
// expression. Children of an expression are skipped when fn returns false.
func Inspect(p *Program, fn func(*Expr) bool) {
	if p == nil {
		return
	}
	for _, s := range p.Body {
		inspectStmt(s, fn)
	}
}

func inspectStmt(s *Stmt, fn func(*Expr) bool) {
	if s == nil {
		return
	}
	switch s.Kind {
	case StmtKindExpr, StmtKindReturn:
		inspectExpr(s.Expr, fn)
	case StmtKindVar:
		if s.Var != nil {
			inspectExpr(s.Var.Init, fn)
		}
	case StmtKindBlock:
		for _, child := range s.Block {
			inspectStmt(child, fn)
		}
	}
}

func inspectExpr(e *Expr, fn func(*Expr) bool) {
	if e == nil || !fn(e) {
		return
	}
	switch e.Kind {
	case ExprKindCall:
		if e.Call != nil {
			inspectExpr(e.Call.Callee, fn)
			for _, arg := range e.Call.Args {
				inspectExpr(arg, fn)
			}
		}
	case ExprKindMember:
		if e.Member != nil {
			inspectExpr(e.Member.Obj, fn)
		}
	case ExprKindArray:
		for _, el := range e.Array {
			inspectExpr(el, fn)
		}
	}
}

// CalleeObject returns the object identifier of a member callee, e.g. "console"
// for console.log(...). The second result is false for any other callee shape.
func (c *CallExpr) CalleeObject() (string, bool) {
	if c == nil || c.Callee == nil || c.Callee.Kind != ExprKindMember || c.Callee.Member == nil {
		return "", false
	}
	obj := c.Callee.Member.Obj
	if obj == nil || obj.Kind != ExprKindIdent || obj.Ident == nil {
		return "", false
	}
	return obj.Ident.Sym, true
}
