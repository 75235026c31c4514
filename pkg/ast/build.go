package ast

// Constructors used by hosts and tests to assemble small trees without a parser.

// NewIdent returns an identifier expression.
func NewIdent(span Span, sym string) *Expr {
	return &Expr{Kind: ExprKindIdent, Span: span, Ident: &Ident{Span: span, Sym: sym}}
}

// NewStr returns a string literal expression.
func NewStr(span Span, value string) *Expr {
	return &Expr{Kind: ExprKindLit, Span: span, Lit: &Lit{Kind: LitKindStr, Span: span, Str: value}}
}

// NewMember returns obj.prop.
func NewMember(span Span, obj *Expr, prop *Ident) *Expr {
	return &Expr{Kind: ExprKindMember, Span: span, Member: &MemberExpr{Span: span, Obj: obj, Prop: prop}}
}

// NewCall returns callee(args...).
func NewCall(span Span, callee *Expr, args ...*Expr) *Expr {
	return &Expr{Kind: ExprKindCall, Span: span, Call: &CallExpr{Span: span, Callee: callee, Args: args}}
}

// NewExprStmt wraps an expression in a statement.
func NewExprStmt(e *Expr) *Stmt {
	return &Stmt{Kind: StmtKindExpr, Span: e.Span, Expr: e}
}

// NewModule returns a module program with the given body.
func NewModule(span Span, body ...*Stmt) *Program {
	return &Program{Kind: ProgramKindModule, Span: span, Body: body}
}
