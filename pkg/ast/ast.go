// Package ast defines the program model consumed by the native-execution
// backend: a Program is a set of packages, each an ordered sequence of
// Modules produced by the parser and annotated by resolution.
package ast

// EntryPkgName is the reserved name of the entry package. The entry package
// is the one whose evaluation produces the program's final result; it is
// rebuilt on every run and never served from the object cache.
const EntryPkgName = "__main__"

// PkgPath identifies one package. Package identity is a tagged value rather
// than a bare string so that the entry package can never collide with a
// named package in cache keys or symbol tables.
type PkgPath struct {
	entry bool
	name  string
}

// EntryPath returns the identity of the entry package.
func EntryPath() PkgPath {
	return PkgPath{entry: true, name: EntryPkgName}
}

// NamedPath returns the identity of a regular package with the given dotted
// path (e.g. "sub.pkg").
func NamedPath(name string) PkgPath {
	return PkgPath{name: name}
}

// IsEntry reports whether p identifies the entry package.
func (p PkgPath) IsEntry() bool { return p.entry }

// Name returns the dotted package path, or EntryPkgName for the entry package.
func (p PkgPath) Name() string { return p.name }

func (p PkgPath) String() string { return p.name }

// Program is a parsed, resolvable program grouped by package path.
//
// Root and Main normally both denote the entry package; Root additionally
// names the directory under which the object cache for this program lives.
// Order among packages carries no meaning, order of modules within one
// package does (it fixes symbol layout in the generated objects).
type Program struct {
	Root PkgPath
	Main PkgPath
	Pkgs map[PkgPath][]*Module
}

// PkgCount returns the number of packages in the program.
func (p *Program) PkgCount() int { return len(p.Pkgs) }

// Module is one source file's contribution to its package.
type Module struct {
	// Filename is the path of the source file this module was parsed from.
	Filename string

	// Pkg is the package this module belongs to.
	Pkg PkgPath

	// Source is the raw file content, retained for cache fingerprinting.
	Source []byte

	Imports []Import
	Decls   []*ConfigDecl
}

// Import is a single `import "pkg.path" as alias` clause.
type Import struct {
	Path  string
	Alias string
	Pos   Pos
}

// ConfigDecl is a top-level `name = value` declaration.
type ConfigDecl struct {
	Name  string
	Value Expr
	Pos   Pos
}

// Pos is a 1-based source position.
type Pos struct {
	Line   int
	Column int
}

// Expr is a configuration value expression.
type Expr interface {
	exprNode()
	Position() Pos
}

type IntLit struct {
	Value int64
	Pos   Pos
}

type FloatLit struct {
	Value float64
	Pos   Pos
}

type StringLit struct {
	Value string
	Pos   Pos
}

type BoolLit struct {
	Value bool
	Pos   Pos
}

// ListLit is an ordered list literal, e.g. [1, 2, 3].
type ListLit struct {
	Elems []Expr
	Pos   Pos
}

// MapLit is a map literal with declaration-ordered keys,
// e.g. {cpu = 2, mem = "4Gi"}.
type MapLit struct {
	Keys   []string
	Values []Expr
	Pos    Pos
}

// Ref is a reference to another declaration: `name` resolves within the
// current package, `alias.name` through the module's imports.
type Ref struct {
	Alias string // empty for package-local references
	Name  string
	Pos   Pos
}

func (*IntLit) exprNode()    {}
func (*FloatLit) exprNode()  {}
func (*StringLit) exprNode() {}
func (*BoolLit) exprNode()   {}
func (*ListLit) exprNode()   {}
func (*MapLit) exprNode()    {}
func (*Ref) exprNode()       {}

func (e *IntLit) Position() Pos    { return e.Pos }
func (e *FloatLit) Position() Pos  { return e.Pos }
func (e *StringLit) Position() Pos { return e.Pos }
func (e *BoolLit) Position() Pos   { return e.Pos }
func (e *ListLit) Position() Pos   { return e.Pos }
func (e *MapLit) Position() Pos    { return e.Pos }
func (e *Ref) Position() Pos       { return e.Pos }
