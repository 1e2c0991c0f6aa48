// Package runner orchestrates the native-execution backend: it assembles a
// resolved program into per-package objects (cached on disk), links the
// reachable objects into one loadable library, and invokes that library
// under a deadline, normalizing every failure into a classified BuildError.
package runner

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/riven-blade/kcl/pkg/ast"
	"github.com/riven-blade/kcl/pkg/cache"
	"github.com/riven-blade/kcl/pkg/codegen"
	"github.com/riven-blade/kcl/pkg/sema"
	"github.com/riven-blade/kcl/pkg/telemetry"
)

// CacheDirName is the hidden directory, under the program root, holding
// cached package objects and the fingerprint index.
const CacheDirName = ".kcl_cache"

// Assembler turns each package of a resolved program into one relocatable
// object. Non-entry packages are cached under the root-derived cache
// directory; the entry package is always rebuilt at the caller-supplied
// entry file.
type Assembler struct {
	prog      *ast.Program
	scope     *sema.Scope
	entryFile string
	linker    LibAssembler
	workers   int
}

// NewAssembler creates an assembler for prog. entryFile names the in-progress
// output location of the entry package's object (the object suffix is
// appended); linker is the backend the objects will later be linked with.
func NewAssembler(prog *ast.Program, scope *sema.Scope, entryFile string, linker LibAssembler) *Assembler {
	return &Assembler{
		prog:      prog,
		scope:     scope,
		entryFile: entryFile,
		linker:    linker,
		workers:   runtime.NumCPU(),
	}
}

// WithWorkers bounds the number of concurrent package compilations.
func (a *Assembler) WithWorkers(n int) *Assembler {
	if n > 0 {
		a.workers = n
	}
	return a
}

// CacheDir returns the object cache directory derived from the program's
// root package path. Builds of the same root share it.
func (a *Assembler) CacheDir() string {
	return filepath.Join(a.prog.Root.Name(), CacheDirName)
}

// ObjectPath returns where pkg's object is (or will be) written.
func (a *Assembler) ObjectPath(pkg ast.PkgPath) string {
	if pkg.IsEntry() {
		return a.entryFile + codegen.ObjectFileSuffix
	}
	return filepath.Join(a.CacheDir(), pkg.Name()+codegen.ObjectFileSuffix)
}

// GenLibs compiles every package of the program into its object file and
// returns the object paths, one per package, in lexical package order.
//
// Packages compile in parallel worker goroutines; each compilation task gets
// its own interner, so no naming state is shared across tasks. Cached
// objects whose fingerprint still matches are reused without regeneration.
// Object writes go to a uniquely named sibling first and are renamed into
// place, so a concurrent reader never observes a partial object.
func (a *Assembler) GenLibs(ctx context.Context) ([]string, error) {
	log := telemetry.FromContext(ctx).NewComponentLogger("assembler")

	pkgs := make([]ast.PkgPath, 0, len(a.prog.Pkgs))
	hasCached := false
	for pkg := range a.prog.Pkgs {
		pkgs = append(pkgs, pkg)
		if !pkg.IsEntry() {
			hasCached = true
		}
	}
	sort.Slice(pkgs, func(i, j int) bool { return pkgs[i].Name() < pkgs[j].Name() })

	var ix *cache.Index
	if hasCached {
		if err := os.MkdirAll(a.CacheDir(), 0o755); err != nil {
			return nil, NewIOError(a.CacheDir(), err)
		}
		var err error
		ix, err = cache.OpenIndex(ctx, filepath.Join(a.CacheDir(), cache.IndexFileName))
		if err != nil {
			// Degrade to regenerating everything.
			log.WithError(err).Warn("cache index unavailable, rebuilding all packages")
			ix = nil
		} else {
			defer ix.Close()
		}
	}

	paths := make([]string, len(pkgs))
	errs := make([]error, len(pkgs))

	var wg sync.WaitGroup
	sem := make(chan struct{}, a.workers)
	for i, pkg := range pkgs {
		wg.Add(1)
		go func(i int, pkg ast.PkgPath) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			if err := ctx.Err(); err != nil {
				errs[i] = err
				return
			}
			path, err := a.genPkg(ctx, log, ix, pkg)
			paths[i] = path
			errs[i] = err
		}(i, pkg)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return paths, nil
}

// genPkg produces the object for one package, serving it from the cache
// when the fingerprint still matches.
func (a *Assembler) genPkg(ctx context.Context, log *telemetry.Logger, ix *cache.Index, pkg ast.PkgPath) (string, error) {
	mods := a.prog.Pkgs[pkg]
	path := a.ObjectPath(pkg)

	var fp string
	if !pkg.IsEntry() && ix != nil {
		fp = cache.Fingerprint(mods)
		recorded, ok, err := ix.Lookup(ctx, pkg)
		if err != nil {
			log.WithPkg(pkg.Name()).WithError(err).Warn("cache lookup failed")
		} else if ok && recorded == fp {
			if _, statErr := os.Stat(path); statErr == nil {
				log.WithPkg(pkg.Name()).Debug("object served from cache")
				return path, nil
			}
		}
	}

	interner := codegen.NewInterner()
	obj, err := codegen.GenerateObject(pkg, mods, interner)
	if err != nil {
		return "", NewCodegenError(pkg.Name(), err)
	}

	tmp := path + "." + uuid.New().String()
	if err := codegen.WriteObject(tmp, obj); err != nil {
		_ = os.Remove(tmp)
		return "", NewIOError(path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return "", NewIOError(path, err)
	}

	if !pkg.IsEntry() && ix != nil {
		if err := ix.Put(ctx, pkg, fp); err != nil {
			log.WithPkg(pkg.Name()).WithError(err).Warn("cache record failed")
		}
	}

	log.WithPkg(pkg.Name()).Debugf("object generated with %d symbols", len(obj.Symbols))
	return path, nil
}

// CleanPath removes the file or directory at path. Removing a path that
// does not exist is not an error.
func CleanPath(path string) error {
	return os.RemoveAll(path)
}

// CleanPathForGenLibs removes path together with its sharded companions:
// every file in the same directory named `<base>.*<suffix>`, as produced
// when one package's compilation is split into partial objects. It is
// idempotent.
func CleanPathForGenLibs(path, suffix string) error {
	if err := CleanPath(path); err != nil {
		return err
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, base+".") && strings.HasSuffix(name, suffix) {
			if err := os.RemoveAll(filepath.Join(dir, name)); err != nil {
				return err
			}
		}
	}
	return nil
}
