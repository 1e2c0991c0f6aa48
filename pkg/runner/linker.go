package runner

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/google/uuid"

	"github.com/riven-blade/kcl/pkg/ast"
	"github.com/riven-blade/kcl/pkg/codegen"
	kclruntime "github.com/riven-blade/kcl/pkg/runtime"
	"github.com/riven-blade/kcl/pkg/telemetry"
)

// LibAssembler merges per-package objects into one loadable library. It is
// the seam between this orchestration layer and a concrete code-generation
// backend; every backend that produces objects shares this linking contract.
type LibAssembler interface {
	// FileSuffix returns the suffix of libraries this assembler produces.
	FileSuffix() string

	// LinkLibs links the objects of every package reachable from the
	// program's entry package into one library at output and returns the
	// output path. importNames drives the reachability walk; objPaths maps
	// each package to its object file.
	LinkLibs(
		ctx context.Context,
		prog *ast.Program,
		importNames map[ast.PkgPath][]ast.PkgPath,
		objPaths map[ast.PkgPath]string,
		output string,
	) (string, error)
}

// GobAssembler links gob-encoded objects, the backend used for native
// evaluation in-process.
type GobAssembler struct{}

// NewGobAssembler returns the default link backend.
func NewGobAssembler() *GobAssembler {
	return &GobAssembler{}
}

// FileSuffix implements LibAssembler.
func (ga *GobAssembler) FileSuffix() string {
	return kclruntime.LibSuffix
}

// LinkLibs implements LibAssembler.
//
// Only packages reachable from the entry package through importNames are
// linked; packages present in the program but never imported stay out of
// the library. Link order is deterministic: dependencies in lexical
// package-path order, the entry package last, so the entry symbols resolve
// against everything they transitively import.
func (ga *GobAssembler) LinkLibs(
	ctx context.Context,
	prog *ast.Program,
	importNames map[ast.PkgPath][]ast.PkgPath,
	objPaths map[ast.PkgPath]string,
	output string,
) (string, error) {
	log := telemetry.FromContext(ctx).NewComponentLogger("linker")

	reachable := reachableClosure(prog.Main, importNames)

	deps := make([]ast.PkgPath, 0, len(reachable))
	for pkg := range reachable {
		if pkg != prog.Main {
			deps = append(deps, pkg)
		}
	}
	sort.Slice(deps, func(i, j int) bool { return deps[i].Name() < deps[j].Name() })
	linkOrder := append(deps, prog.Main)

	symbols := map[string]map[string]bool{}
	pkgs := make([]kclruntime.Package, 0, len(linkOrder))
	for _, pkg := range linkOrder {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		path, ok := objPaths[pkg]
		if !ok {
			return "", NewLinkError(pkg.Name(), "no object path for package")
		}
		obj, err := readLinkObject(pkg, path)
		if err != nil {
			return "", err
		}

		names := map[string]bool{}
		for _, sym := range obj.Symbols {
			names[sym.Name] = true
		}
		symbols[obj.Pkg] = names
		pkgs = append(pkgs, kclruntime.Package{Name: obj.Pkg, Symbols: obj.Symbols})
	}

	if err := checkSymbols(pkgs, symbols); err != nil {
		return "", err
	}

	lib := kclruntime.NewLibrary(prog.Main.Name(), pkgs)
	tmp := output + "." + uuid.New().String()
	if err := kclruntime.WriteLibrary(tmp, lib); err != nil {
		_ = os.Remove(tmp)
		return "", NewIOError(output, err)
	}
	if err := os.Rename(tmp, output); err != nil {
		_ = os.Remove(tmp)
		return "", NewIOError(output, err)
	}

	log.Debugf("linked %d packages into %s", len(pkgs), output)
	return output, nil
}

// reachableClosure walks importNames from the entry package.
func reachableClosure(entry ast.PkgPath, importNames map[ast.PkgPath][]ast.PkgPath) map[ast.PkgPath]bool {
	seen := map[ast.PkgPath]bool{entry: true}
	work := []ast.PkgPath{entry}
	for len(work) > 0 {
		pkg := work[0]
		work = work[1:]
		for _, imp := range importNames[pkg] {
			if !seen[imp] {
				seen[imp] = true
				work = append(work, imp)
			}
		}
	}
	return seen
}

func readLinkObject(pkg ast.PkgPath, path string) (*codegen.Object, error) {
	obj, err := codegen.ReadObject(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, NewLinkError(pkg.Name(), fmt.Sprintf("object %s does not exist", path))
		}
		return nil, NewIOError(path, err)
	}
	return obj, nil
}

// checkSymbols verifies that every external reference in the linked
// packages resolves inside the library.
func checkSymbols(pkgs []kclruntime.Package, symbols map[string]map[string]bool) error {
	for _, pkg := range pkgs {
		for _, sym := range pkg.Symbols {
			if err := checkCodeRefs(pkg.Name, sym.Name, sym.Code, symbols); err != nil {
				return err
			}
		}
	}
	return nil
}

func checkCodeRefs(pkg, sym string, code codegen.Value, symbols map[string]map[string]bool) error {
	switch v := code.(type) {
	case codegen.ExternRef:
		names, ok := symbols[v.Pkg]
		if !ok {
			return NewLinkError(v.Pkg, fmt.Sprintf("package referenced from %s.%s is not linked", pkg, sym))
		}
		if !names[v.Name] {
			return NewLinkError(v.Pkg, fmt.Sprintf("unresolved symbol %s.%s referenced from %s.%s", v.Pkg, v.Name, pkg, sym))
		}
	case codegen.LocalRef:
		if !symbols[pkg][v.Name] {
			return NewLinkError(pkg, fmt.Sprintf("unresolved symbol %s.%s referenced from %s.%s", pkg, v.Name, pkg, sym))
		}
	case codegen.ListValue:
		for _, el := range v.Elems {
			if err := checkCodeRefs(pkg, sym, el, symbols); err != nil {
				return err
			}
		}
	case codegen.MapValue:
		for _, el := range v.Values {
			if err := checkCodeRefs(pkg, sym, el, symbols); err != nil {
				return err
			}
		}
	}
	return nil
}
