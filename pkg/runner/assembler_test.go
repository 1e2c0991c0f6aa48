package runner

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/riven-blade/kcl/pkg/ast"
	"github.com/riven-blade/kcl/pkg/codegen"
	"github.com/riven-blade/kcl/pkg/diagnostics"
	"github.com/riven-blade/kcl/pkg/parser"
	"github.com/riven-blade/kcl/pkg/sema"
)

// buildAssembler parses and resolves the given source tree under a temp
// root and returns a ready assembler whose entry object lands in the same
// root.
func buildAssembler(t *testing.T, files map[string]string) (*Assembler, *ast.Program, string) {
	t.Helper()
	root := t.TempDir()

	var entries []string
	for name, src := range files {
		path := filepath.Join(root, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(src), 0o644); err != nil {
			t.Fatal(err)
		}
		if filepath.Dir(path) == root {
			entries = append(entries, path)
		}
	}

	sess := diagnostics.NewSession()
	prog, err := parser.LoadProgram(sess, entries, &parser.LoadOptions{WorkDir: root})
	if err != nil {
		t.Fatalf("LoadProgram failed: %v", err)
	}
	scope, err := sema.ResolveProgram(prog, sess)
	if err != nil {
		t.Fatalf("ResolveProgram failed: %v", err)
	}

	entryFile := TempFile(root)
	return NewAssembler(prog, scope, entryFile, NewGobAssembler()), prog, root
}

func TestGenLibs_OneObjectPerPackage(t *testing.T) {
	asm, prog, _ := buildAssembler(t, map[string]string{
		"main.k":    "import \"base\" as base\nimport \"extra\" as extra\n\nname = base.name\nlimit = extra.limit\n",
		"base/a.k":  "name = \"demo\"\n",
		"extra/b.k": "limit = 10\n",
	})

	paths, err := asm.GenLibs(context.Background())
	if err != nil {
		t.Fatalf("GenLibs failed: %v", err)
	}
	if len(paths) != prog.PkgCount() {
		t.Fatalf("Expected %d objects, got %d", prog.PkgCount(), len(paths))
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			t.Errorf("Missing object %s: %v", p, err)
		}
		if filepath.Ext(p) != codegen.ObjectFileSuffix {
			t.Errorf("Object %s does not carry the object suffix", p)
		}
	}
}

func TestGenLibs_ServesCachedObjects(t *testing.T) {
	asm, _, _ := buildAssembler(t, map[string]string{
		"main.k":   "import \"base\" as base\n\nname = base.name\n",
		"base/a.k": "name = \"demo\"\n",
	})

	if _, err := asm.GenLibs(context.Background()); err != nil {
		t.Fatalf("First GenLibs failed: %v", err)
	}
	cached := asm.ObjectPath(ast.NamedPath("base"))
	info1, err := os.Stat(cached)
	if err != nil {
		t.Fatalf("Cached object missing after first build: %v", err)
	}

	time.Sleep(20 * time.Millisecond)

	if _, err := asm.GenLibs(context.Background()); err != nil {
		t.Fatalf("Second GenLibs failed: %v", err)
	}
	info2, err := os.Stat(cached)
	if err != nil {
		t.Fatalf("Cached object missing after second build: %v", err)
	}
	if !info2.ModTime().Equal(info1.ModTime()) {
		t.Errorf("Cached object was regenerated: mtime %v -> %v",
			info1.ModTime(), info2.ModTime())
	}
}

func TestGenLibs_EntryAlwaysRebuilt(t *testing.T) {
	asm, _, _ := buildAssembler(t, map[string]string{
		"main.k": "name = \"demo\"\n",
	})

	if _, err := asm.GenLibs(context.Background()); err != nil {
		t.Fatalf("First GenLibs failed: %v", err)
	}
	entryObj := asm.ObjectPath(ast.EntryPath())
	info1, err := os.Stat(entryObj)
	if err != nil {
		t.Fatal(err)
	}

	time.Sleep(20 * time.Millisecond)

	if _, err := asm.GenLibs(context.Background()); err != nil {
		t.Fatalf("Second GenLibs failed: %v", err)
	}
	info2, err := os.Stat(entryObj)
	if err != nil {
		t.Fatal(err)
	}
	if info2.ModTime().Equal(info1.ModTime()) {
		t.Error("Entry object was served from cache; it must be rebuilt every run")
	}
}

func TestGenLibs_RegeneratesWhenSourceChanges(t *testing.T) {
	asm, _, root := buildAssembler(t, map[string]string{
		"main.k":   "import \"base\" as base\n\nname = base.name\n",
		"base/a.k": "name = \"demo\"\n",
	})
	if _, err := asm.GenLibs(context.Background()); err != nil {
		t.Fatalf("First GenLibs failed: %v", err)
	}

	// A changed source means a changed fingerprint, so the rebuilt program
	// must not reuse the stale object.
	if err := os.WriteFile(filepath.Join(root, "base", "a.k"), []byte("name = \"renamed\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	asm2, _, _ := rebuildAssembler(t, root)
	if _, err := asm2.GenLibs(context.Background()); err != nil {
		t.Fatalf("Second GenLibs failed: %v", err)
	}

	obj, err := codegen.ReadObject(asm2.ObjectPath(ast.NamedPath("base")))
	if err != nil {
		t.Fatal(err)
	}
	if len(obj.Symbols) != 1 {
		t.Fatalf("Expected 1 symbol, got %d", len(obj.Symbols))
	}
	sv, ok := obj.Symbols[0].Code.(codegen.StringValue)
	if !ok || sv.V != "renamed" {
		t.Errorf("Cached object not regenerated for changed source: %#v", obj.Symbols[0].Code)
	}
}

// rebuildAssembler reloads an already-populated root, modelling a second
// process building the same program.
func rebuildAssembler(t *testing.T, root string) (*Assembler, *ast.Program, string) {
	t.Helper()
	sess := diagnostics.NewSession()
	prog, err := parser.LoadProgram(sess, []string{filepath.Join(root, "main.k")}, &parser.LoadOptions{WorkDir: root})
	if err != nil {
		t.Fatalf("LoadProgram failed: %v", err)
	}
	scope, err := sema.ResolveProgram(prog, sess)
	if err != nil {
		t.Fatalf("ResolveProgram failed: %v", err)
	}
	return NewAssembler(prog, scope, TempFile(root), NewGobAssembler()), prog, root
}

func TestGenLibs_SerialWorkers(t *testing.T) {
	asm, prog, _ := buildAssembler(t, map[string]string{
		"main.k":    "import \"base\" as base\nimport \"extra\" as extra\n\nname = base.name\nlimit = extra.limit\n",
		"base/a.k":  "name = \"demo\"\n",
		"extra/b.k": "limit = 10\n",
	})

	paths, err := asm.WithWorkers(1).GenLibs(context.Background())
	if err != nil {
		t.Fatalf("GenLibs failed: %v", err)
	}
	if len(paths) != prog.PkgCount() {
		t.Fatalf("Expected %d objects, got %d", prog.PkgCount(), len(paths))
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			t.Errorf("Missing object %s: %v", p, err)
		}
	}
}

func TestGenLibs_CancelledContext(t *testing.T) {
	asm, _, _ := buildAssembler(t, map[string]string{
		"main.k": "name = \"demo\"\n",
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := asm.GenLibs(ctx); err == nil {
		t.Error("Expected an error from a cancelled context")
	}
}

func TestGenLibs_DuplicateDeclaration(t *testing.T) {
	asm, _, _ := buildAssembler(t, map[string]string{
		"a.k": "name = \"x\"\n",
		"b.k": "name = \"y\"\n",
	})
	_, err := asm.GenLibs(context.Background())
	if err == nil {
		t.Fatal("Expected duplicate declaration to fail compilation")
	}
	if !IsCodegen(err) {
		t.Errorf("Expected a codegen failure, got: %v", err)
	}
}

func TestCleanPath(t *testing.T) {
	dir := t.TempDir()

	file := filepath.Join(dir, "artifact.o")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := CleanPath(file); err != nil {
		t.Fatalf("CleanPath failed: %v", err)
	}
	if _, err := os.Stat(file); !os.IsNotExist(err) {
		t.Error("File survived CleanPath")
	}

	// Removing a path that never existed is not an error.
	if err := CleanPath(filepath.Join(dir, "never-there")); err != nil {
		t.Errorf("CleanPath on a missing path failed: %v", err)
	}
}

func TestCleanPathForGenLibs(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "entry"+codegen.ObjectFileSuffix)

	shards := []string{
		base,
		base + ".shard1" + codegen.ObjectFileSuffix,
		base + ".shard2" + codegen.ObjectFileSuffix,
	}
	unrelated := filepath.Join(dir, "other"+codegen.ObjectFileSuffix)
	for _, f := range append(shards, unrelated) {
		if err := os.WriteFile(f, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	if err := CleanPathForGenLibs(base, codegen.ObjectFileSuffix); err != nil {
		t.Fatalf("CleanPathForGenLibs failed: %v", err)
	}
	for _, f := range shards {
		if _, err := os.Stat(f); !os.IsNotExist(err) {
			t.Errorf("Shard %s survived cleanup", f)
		}
	}
	if _, err := os.Stat(unrelated); err != nil {
		t.Errorf("Unrelated object was removed: %v", err)
	}

	// Idempotent.
	if err := CleanPathForGenLibs(base, codegen.ObjectFileSuffix); err != nil {
		t.Errorf("Second cleanup failed: %v", err)
	}
}
