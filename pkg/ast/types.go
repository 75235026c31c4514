package ast

// Syntax tree types handed to plugins.
// The front-end that produces these values and the printer that consumes them
// live outside this module; only the shape needed on the wire is defined here.

// Span represents a byte range in the original source file.
type Span struct {
	Lo uint32 `cbor:"lo"`
	Hi uint32 `cbor:"hi"`
}

// IsDummy reports whether the span carries no position information.
func (s Span) IsDummy() bool {
	return s.Lo == 0 && s.Hi == 0
}

// ProgramKind distinguishes ES modules from classic scripts.
type ProgramKind int

const (
	ProgramKindModule ProgramKind = iota + 1
	ProgramKindScript
)

// Program is the root of a syntax tree.
type Program struct {
	Kind    ProgramKind `cbor:"kind"`
	Span    Span        `cbor:"span"`
	Body    []*Stmt     `cbor:"body"`
	Shebang *string     `cbor:"shebang"`
}

// StmtKind represents the kind of a statement.
type StmtKind int

const (
	StmtKindExpr StmtKind = iota + 1
	StmtKindVar
	StmtKindBlock
	StmtKindReturn
)

// Stmt is a statement. Exactly one payload field matching Kind is set.
type Stmt struct {
	Kind  StmtKind `cbor:"kind"`
	Span  Span     `cbor:"span"`
	Expr  *Expr    `cbor:"expr,omitempty"`
	Var   *VarDecl `cbor:"var,omitempty"`
	Block []*Stmt  `cbor:"block"`
}

// VarDeclKind represents var, let or const.
type VarDeclKind int

const (
	VarDeclKindVar VarDeclKind = iota + 1
	VarDeclKindLet
	VarDeclKindConst
)

// VarDecl is a single-binding variable declaration.
type VarDecl struct {
	Kind VarDeclKind `cbor:"kind"`
	Name *Ident      `cbor:"name"`
	Init *Expr       `cbor:"init"`
}

// ExprKind represents the kind of an expression.
type ExprKind int

const (
	ExprKindIdent ExprKind = iota + 1
	ExprKindLit
	ExprKindCall
	ExprKindMember
	ExprKindArray
)

// Expr is an expression. Exactly one payload field matching Kind is set.
type Expr struct {
	Kind   ExprKind    `cbor:"kind"`
	Span   Span        `cbor:"span"`
	Ident  *Ident      `cbor:"ident,omitempty"`
	Lit    *Lit        `cbor:"lit,omitempty"`
	Call   *CallExpr   `cbor:"call,omitempty"`
	Member *MemberExpr `cbor:"member,omitempty"`
	Array  []*Expr     `cbor:"array"`
}

// Ident is an identifier reference.
type Ident struct {
	Span Span   `cbor:"span"`
	Sym  string `cbor:"sym"`
}

// LitKind represents the kind of a literal.
type LitKind int

const (
	LitKindStr LitKind = iota + 1
	LitKindNum
	LitKindBool
	LitKindNull
)

// Lit is a literal value.
type Lit struct {
	Kind LitKind `cbor:"kind"`
	Span Span    `cbor:"span"`
	Str  string  `cbor:"str,omitempty"`
	Num  float64 `cbor:"num,omitempty"`
	Bool bool    `cbor:"bool,omitempty"`
	Raw  *string `cbor:"raw"`
}

// CallExpr is a call such as console.log(foo).
type CallExpr struct {
	Span   Span    `cbor:"span"`
	Callee *Expr   `cbor:"callee"`
	Args   []*Expr `cbor:"args"`
}

// MemberExpr is a static property access such as console.log.
type MemberExpr struct {
	Span Span   `cbor:"span"`
	Obj  *Expr  `cbor:"obj"`
	Prop *Ident `cbor:"prop"`
}
