// Package sema resolves a parsed program: it checks imports and references
// and produces the Scope consumed by the link step. The backend only ever
// looks at Scope.ImportNames; per-module symbol details stay internal to
// resolution.
package sema

import (
	"fmt"
	"sort"

	"github.com/riven-blade/kcl/pkg/ast"
	"github.com/riven-blade/kcl/pkg/diagnostics"
)

// Scope is the result of resolving a program.
type Scope struct {
	// ImportNames maps each package to the packages it imports. The link
	// step walks this graph to find the closure reachable from the entry
	// package.
	ImportNames map[ast.PkgPath][]ast.PkgPath
}

// Imports returns the import list of pkg in lexical order.
func (s *Scope) Imports(pkg ast.PkgPath) []ast.PkgPath {
	return s.ImportNames[pkg]
}

// ResolveProgram checks prog and returns its Scope. Resolution problems
// (unknown imports, duplicate aliases, references to missing symbols) are
// reported into sess; the returned error summarizes the first failure or is
// nil when the program resolved cleanly.
func ResolveProgram(prog *ast.Program, sess *diagnostics.Session) (*Scope, error) {
	scope := &Scope{ImportNames: map[ast.PkgPath][]ast.PkgPath{}}

	// Symbol tables per package, for reference checking. Duplicates are
	// deliberately not rejected here: conflicting redefinitions surface at
	// lowering time with the offending package attached.
	symbols := map[ast.PkgPath]map[string]bool{}
	for pkg, mods := range prog.Pkgs {
		table := map[string]bool{}
		for _, mod := range mods {
			for _, d := range mod.Decls {
				table[d.Name] = true
			}
		}
		symbols[pkg] = table
	}

	var firstErr error
	report := func(pos ast.Pos, format string, args ...any) {
		msg := fmt.Sprintf(format, args...)
		sess.Add(diagnostics.Diagnostic{
			Severity: diagnostics.SeverityError,
			Message:  msg,
			Line:     pos.Line,
			Column:   pos.Column,
		})
		if firstErr == nil {
			firstErr = fmt.Errorf("%s", msg)
		}
	}

	for pkg, mods := range prog.Pkgs {
		imported := map[ast.PkgPath]bool{}
		for _, mod := range mods {
			aliases := map[string]ast.PkgPath{}
			for _, imp := range mod.Imports {
				target := ast.NamedPath(imp.Path)
				if _, ok := prog.Pkgs[target]; !ok {
					report(imp.Pos, "%s: cannot find package %q", mod.Filename, imp.Path)
					continue
				}
				if prev, ok := aliases[imp.Alias]; ok && prev != target {
					report(imp.Pos, "%s: import alias %q redeclared", mod.Filename, imp.Alias)
					continue
				}
				aliases[imp.Alias] = target
				imported[target] = true
			}

			for _, d := range mod.Decls {
				checkExpr(mod, d.Value, aliases, symbols, report)
			}
		}

		paths := make([]ast.PkgPath, 0, len(imported))
		for p := range imported {
			paths = append(paths, p)
		}
		sort.Slice(paths, func(i, j int) bool { return paths[i].Name() < paths[j].Name() })
		scope.ImportNames[pkg] = paths
	}

	return scope, firstErr
}

func checkExpr(
	mod *ast.Module,
	e ast.Expr,
	aliases map[string]ast.PkgPath,
	symbols map[ast.PkgPath]map[string]bool,
	report func(ast.Pos, string, ...any),
) {
	switch v := e.(type) {
	case *ast.Ref:
		if v.Alias == "" {
			if !symbols[mod.Pkg][v.Name] {
				report(v.Pos, "%s: undefined name %q", mod.Filename, v.Name)
			}
			return
		}
		target, ok := aliases[v.Alias]
		if !ok {
			report(v.Pos, "%s: undefined import alias %q", mod.Filename, v.Alias)
			return
		}
		if !symbols[target][v.Name] {
			report(v.Pos, "%s: package %q has no declaration %q", mod.Filename, target.Name(), v.Name)
		}
	case *ast.ListLit:
		for _, el := range v.Elems {
			checkExpr(mod, el, aliases, symbols, report)
		}
	case *ast.MapLit:
		for _, el := range v.Values {
			checkExpr(mod, el, aliases, symbols, report)
		}
	}
}
