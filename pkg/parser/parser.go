// Package parser loads KCL-flavoured configuration sources into an
// ast.Program. It is a narrow upstream collaborator of the execution
// backend: one declaration per line, import clauses, and literal values.
//
// Grammar accepted per line:
//
//	# comment
//	import "pkg.path" as alias
//	name = value
//
// where value is an integer, float, string, bool, list, map literal, or a
// reference (`name` or `alias.name`).
package parser

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/riven-blade/kcl/pkg/ast"
	"github.com/riven-blade/kcl/pkg/diagnostics"
)

// FileSuffix is the extension of source files loaded by LoadProgram.
const FileSuffix = ".k"

// LoadOptions controls program loading.
type LoadOptions struct {
	// WorkDir is the root directory against which import paths are
	// resolved. Empty means the directory of the first source file.
	WorkDir string
}

// ParseError is a failure to parse one source file.
type ParseError struct {
	File string
	Line int
	Col  int
	Msg  string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s:%d:%d: %s", e.File, e.Line, e.Col, e.Msg)
}

// LoadProgram parses the given entry files and every package transitively
// imported by them into a Program. All entry files land in the entry
// package; imported packages are loaded from <workdir>/<dotted path with
// dots as separators>. Parse failures are pushed into sess and returned.
func LoadProgram(sess *diagnostics.Session, paths []string, opts *LoadOptions) (*ast.Program, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("no input files")
	}
	if opts == nil {
		opts = &LoadOptions{}
	}
	workDir := opts.WorkDir
	if workDir == "" {
		workDir = filepath.Dir(paths[0])
	}

	prog := &ast.Program{
		Root: ast.NamedPath(workDir),
		Main: ast.EntryPath(),
		Pkgs: map[ast.PkgPath][]*ast.Module{},
	}

	var pending []string
	for _, p := range paths {
		mod, err := ParseFile(p, ast.EntryPath())
		if err != nil {
			reportParseErr(sess, err)
			return nil, err
		}
		prog.Pkgs[ast.EntryPath()] = append(prog.Pkgs[ast.EntryPath()], mod)
		for _, imp := range mod.Imports {
			pending = append(pending, imp.Path)
		}
	}

	loaded := map[string]bool{}
	for len(pending) > 0 {
		path := pending[0]
		pending = pending[1:]
		if loaded[path] {
			continue
		}
		loaded[path] = true

		mods, err := loadPackage(workDir, path)
		if err != nil {
			reportParseErr(sess, err)
			return nil, err
		}
		if mods == nil {
			// Unknown import; left for resolution to report with
			// the position of the offending clause.
			continue
		}
		prog.Pkgs[ast.NamedPath(path)] = mods
		for _, mod := range mods {
			for _, imp := range mod.Imports {
				pending = append(pending, imp.Path)
			}
		}
	}

	return prog, nil
}

// loadPackage parses every source file in the directory named by the dotted
// package path, in lexical filename order. A missing directory yields
// (nil, nil): the import is dangling and resolution will flag it.
func loadPackage(workDir, pkgPath string) ([]*ast.Module, error) {
	dir := filepath.Join(workDir, filepath.FromSlash(strings.ReplaceAll(pkgPath, ".", "/")))
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), FileSuffix) {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)

	var mods []*ast.Module
	for _, f := range files {
		mod, err := ParseFile(f, ast.NamedPath(pkgPath))
		if err != nil {
			return nil, err
		}
		mods = append(mods, mod)
	}
	return mods, nil
}

// ParseFile parses one source file into a module of the given package.
func ParseFile(filename string, pkg ast.PkgPath) (*ast.Module, error) {
	src, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	return Parse(filename, src, pkg)
}

// Parse parses source bytes into a module of the given package.
func Parse(filename string, src []byte, pkg ast.PkgPath) (*ast.Module, error) {
	mod := &ast.Module{
		Filename: filename,
		Pkg:      pkg,
		Source:   src,
	}

	for i, raw := range strings.Split(string(src), "\n") {
		lineNo := i + 1
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if strings.HasPrefix(line, "import ") || line == "import" {
			imp, err := parseImport(filename, lineNo, line)
			if err != nil {
				return nil, err
			}
			mod.Imports = append(mod.Imports, imp)
			continue
		}

		decl, err := parseDecl(filename, lineNo, line)
		if err != nil {
			return nil, err
		}
		mod.Decls = append(mod.Decls, decl)
	}

	return mod, nil
}

func parseImport(file string, line int, text string) (ast.Import, error) {
	rest := strings.TrimSpace(strings.TrimPrefix(text, "import"))
	if !strings.HasPrefix(rest, `"`) {
		return ast.Import{}, &ParseError{File: file, Line: line, Col: 1, Msg: "import path must be a quoted string"}
	}
	end := strings.Index(rest[1:], `"`)
	if end < 0 {
		return ast.Import{}, &ParseError{File: file, Line: line, Col: 1, Msg: "unterminated import path"}
	}
	path := rest[1 : 1+end]
	if path == "" {
		return ast.Import{}, &ParseError{File: file, Line: line, Col: 1, Msg: "empty import path"}
	}
	if path == ast.EntryPkgName {
		// The entry package name is reserved; a package under it would
		// collide with the entry package in symbol tables and cache keys.
		return ast.Import{}, &ParseError{File: file, Line: line, Col: 1, Msg: fmt.Sprintf("cannot import reserved package %q", path)}
	}

	alias := path
	if idx := strings.LastIndex(path, "."); idx >= 0 {
		alias = path[idx+1:]
	}

	tail := strings.TrimSpace(rest[end+2:])
	if tail != "" {
		fields := strings.Fields(tail)
		if len(fields) != 2 || fields[0] != "as" || !isIdent(fields[1]) {
			return ast.Import{}, &ParseError{File: file, Line: line, Col: 1, Msg: "expected `as <identifier>` after import path"}
		}
		alias = fields[1]
	}

	return ast.Import{Path: path, Alias: alias, Pos: ast.Pos{Line: line, Column: 1}}, nil
}

func parseDecl(file string, line int, text string) (*ast.ConfigDecl, error) {
	eq := strings.Index(text, "=")
	if eq < 0 {
		return nil, &ParseError{File: file, Line: line, Col: 1, Msg: fmt.Sprintf("expected declaration `name = value`, found %q", text)}
	}
	name := strings.TrimSpace(text[:eq])
	if !isIdent(name) {
		return nil, &ParseError{File: file, Line: line, Col: 1, Msg: fmt.Sprintf("invalid declaration name %q", name)}
	}

	vp := &valueParser{file: file, line: line, src: text, pos: eq + 1}
	value, err := vp.parseValue()
	if err != nil {
		return nil, err
	}
	vp.skipSpaces()
	if !vp.eof() {
		return nil, vp.errorf("unexpected trailing input after value")
	}

	return &ast.ConfigDecl{Name: name, Value: value, Pos: ast.Pos{Line: line, Column: 1}}, nil
}

// valueParser is a single-line recursive-descent parser for value literals.
type valueParser struct {
	file string
	line int
	src  string
	pos  int
}

func (p *valueParser) eof() bool { return p.pos >= len(p.src) }

func (p *valueParser) peek() byte {
	if p.eof() {
		return 0
	}
	return p.src[p.pos]
}

func (p *valueParser) skipSpaces() {
	for !p.eof() && (p.src[p.pos] == ' ' || p.src[p.pos] == '\t') {
		p.pos++
	}
}

func (p *valueParser) errorf(format string, args ...any) error {
	return &ParseError{File: p.file, Line: p.line, Col: p.pos + 1, Msg: fmt.Sprintf(format, args...)}
}

func (p *valueParser) parseValue() (ast.Expr, error) {
	p.skipSpaces()
	if p.eof() {
		return nil, p.errorf("missing value")
	}
	pos := ast.Pos{Line: p.line, Column: p.pos + 1}

	switch c := p.peek(); {
	case c == '"':
		return p.parseString(pos)
	case c == '[':
		return p.parseList(pos)
	case c == '{':
		return p.parseMap(pos)
	case c == '-' || (c >= '0' && c <= '9'):
		return p.parseNumber(pos)
	default:
		return p.parseIdentValue(pos)
	}
}

func (p *valueParser) parseString(pos ast.Pos) (ast.Expr, error) {
	p.pos++ // opening quote
	var sb strings.Builder
	for !p.eof() {
		c := p.src[p.pos]
		switch c {
		case '"':
			p.pos++
			return &ast.StringLit{Value: sb.String(), Pos: pos}, nil
		case '\\':
			p.pos++
			if p.eof() {
				return nil, p.errorf("unterminated escape sequence")
			}
			switch p.src[p.pos] {
			case 'n':
				sb.WriteByte('\n')
			case 't':
				sb.WriteByte('\t')
			case '"':
				sb.WriteByte('"')
			case '\\':
				sb.WriteByte('\\')
			default:
				return nil, p.errorf("unknown escape sequence \\%c", p.src[p.pos])
			}
			p.pos++
		default:
			sb.WriteByte(c)
			p.pos++
		}
	}
	return nil, p.errorf("unterminated string literal")
}

func (p *valueParser) parseNumber(pos ast.Pos) (ast.Expr, error) {
	start := p.pos
	if p.peek() == '-' {
		p.pos++
	}
	isFloat := false
	for !p.eof() {
		c := p.src[p.pos]
		if c >= '0' && c <= '9' {
			p.pos++
			continue
		}
		if c == '.' || c == 'e' || c == 'E' || c == '+' || c == '-' {
			isFloat = true
			p.pos++
			continue
		}
		break
	}
	text := p.src[start:p.pos]
	if isFloat {
		f, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return nil, p.errorf("invalid float literal %q", text)
		}
		return &ast.FloatLit{Value: f, Pos: pos}, nil
	}
	n, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		return nil, p.errorf("invalid integer literal %q", text)
	}
	return &ast.IntLit{Value: n, Pos: pos}, nil
}

func (p *valueParser) parseList(pos ast.Pos) (ast.Expr, error) {
	p.pos++ // '['
	list := &ast.ListLit{Pos: pos}
	p.skipSpaces()
	if p.peek() == ']' {
		p.pos++
		return list, nil
	}
	for {
		elem, err := p.parseValue()
		if err != nil {
			return nil, err
		}
		list.Elems = append(list.Elems, elem)
		p.skipSpaces()
		switch p.peek() {
		case ',':
			p.pos++
		case ']':
			p.pos++
			return list, nil
		default:
			return nil, p.errorf("expected `,` or `]` in list literal")
		}
	}
}

func (p *valueParser) parseMap(pos ast.Pos) (ast.Expr, error) {
	p.pos++ // '{'
	m := &ast.MapLit{Pos: pos}
	p.skipSpaces()
	if p.peek() == '}' {
		p.pos++
		return m, nil
	}
	for {
		p.skipSpaces()
		key := p.scanIdent()
		if key == "" {
			return nil, p.errorf("expected identifier key in map literal")
		}
		p.skipSpaces()
		if p.peek() != '=' {
			return nil, p.errorf("expected `=` after map key %q", key)
		}
		p.pos++
		val, err := p.parseValue()
		if err != nil {
			return nil, err
		}
		m.Keys = append(m.Keys, key)
		m.Values = append(m.Values, val)
		p.skipSpaces()
		switch p.peek() {
		case ',':
			p.pos++
		case '}':
			p.pos++
			return m, nil
		default:
			return nil, p.errorf("expected `,` or `}` in map literal")
		}
	}
}

// parseIdentValue handles true/false and references (`name`, `alias.name`).
func (p *valueParser) parseIdentValue(pos ast.Pos) (ast.Expr, error) {
	ident := p.scanIdent()
	if ident == "" {
		return nil, p.errorf("unexpected character %q in value", p.peek())
	}
	switch ident {
	case "true":
		return &ast.BoolLit{Value: true, Pos: pos}, nil
	case "false":
		return &ast.BoolLit{Value: false, Pos: pos}, nil
	}
	if p.peek() == '.' {
		p.pos++
		name := p.scanIdent()
		if name == "" {
			return nil, p.errorf("expected identifier after %q.", ident)
		}
		return &ast.Ref{Alias: ident, Name: name, Pos: pos}, nil
	}
	return &ast.Ref{Name: ident, Pos: pos}, nil
}

func (p *valueParser) scanIdent() string {
	start := p.pos
	for !p.eof() {
		c := rune(p.src[p.pos])
		if unicode.IsLetter(c) || c == '_' || (p.pos > start && unicode.IsDigit(c)) {
			p.pos++
			continue
		}
		break
	}
	return p.src[start:p.pos]
}

func isIdent(s string) bool {
	if s == "" {
		return false
	}
	for i, c := range s {
		if unicode.IsLetter(c) || c == '_' || (i > 0 && unicode.IsDigit(c)) {
			continue
		}
		return false
	}
	return true
}

func reportParseErr(sess *diagnostics.Session, err error) {
	if pe, ok := err.(*ParseError); ok {
		sess.Add(diagnostics.Diagnostic{
			Severity: diagnostics.SeverityError,
			Message:  pe.Msg,
			Line:     pe.Line,
			Column:   pe.Col,
		})
		return
	}
	sess.AddError(err.Error())
}
