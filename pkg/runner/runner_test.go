package runner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/riven-blade/kcl/pkg/ast"
	"github.com/riven-blade/kcl/pkg/codegen"
	"github.com/riven-blade/kcl/pkg/config"
	"github.com/riven-blade/kcl/pkg/diagnostics"
	kclruntime "github.com/riven-blade/kcl/pkg/runtime"
)

// writeProgram lays the given sources out under a temp root and returns args
// pointing at the root-level .k files.
func writeProgram(t *testing.T, files map[string]string) *config.ExecProgramArgs {
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

	args := config.NewExecProgramArgs()
	args.WorkDir = root
	args.KFilenameList = entries
	return args
}

// buildDirCount counts the leftover build directories in the OS temp dir;
// execution must not accumulate them, timeout included.
func buildDirCount(t *testing.T) int {
	t.Helper()
	entries, err := os.ReadDir(os.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	n := 0
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "kcl-build-") {
			n++
		}
	}
	return n
}

func TestExecProgram_SinglePackage(t *testing.T) {
	args := writeProgram(t, map[string]string{
		"main.k": "name = \"nginx\"\nreplicas = 3\n",
	})

	sess := diagnostics.NewSession()
	res, err := ExecProgram(sess, args)
	if err != nil {
		t.Fatalf("ExecProgram failed: %v", err)
	}
	if sess.HasErrors() {
		t.Errorf("Unexpected diagnostics: %v", sess.Diagnostics())
	}

	want := "name: nginx\nreplicas: 3\n"
	if res.YamlResult != want {
		t.Errorf("YAML mismatch:\ngot:  %q\nwant: %q", res.YamlResult, want)
	}
	wantJSON := `{"name":"nginx","replicas":3}`
	if res.JsonResult != wantJSON {
		t.Errorf("JSON mismatch:\ngot:  %q\nwant: %q", res.JsonResult, wantJSON)
	}
}

func TestExecProgram_StableAcrossRuns(t *testing.T) {
	args := writeProgram(t, map[string]string{
		"main.k":   "import \"base\" as base\n\nname = base.name\ntier = \"web\"\n",
		"base/a.k": "name = \"demo\"\n",
	})

	first, err := ExecProgram(diagnostics.NewSession(), args)
	if err != nil {
		t.Fatalf("First run failed: %v", err)
	}
	// The second run serves base from the cache and must produce the same
	// document.
	second, err := ExecProgram(diagnostics.NewSession(), args)
	if err != nil {
		t.Fatalf("Second run failed: %v", err)
	}
	if first.YamlResult != second.YamlResult {
		t.Errorf("Cache-warm run diverged:\nfirst:  %q\nsecond: %q",
			first.YamlResult, second.YamlResult)
	}
}

func TestExecProgram_MultiPackage(t *testing.T) {
	args := writeProgram(t, map[string]string{
		"main.k": "import \"app\" as app\nimport \"app.net\" as net\n\n" +
			"name = app.name\nport = net.port\nspec = {image = app.image, ports = [net.port]}\n",
		"app/app.k":     "name = \"web\"\nimage = \"nginx:1.27\"\n",
		"app/net/net.k": "port = 8080\n",
	})

	res, err := ExecProgram(diagnostics.NewSession(), args)
	if err != nil {
		t.Fatalf("ExecProgram failed: %v", err)
	}
	want := "name: web\nport: 8080\nspec:\n    image: nginx:1.27\n    ports:\n        - 8080\n"
	if res.YamlResult != want {
		t.Errorf("YAML mismatch:\ngot:  %q\nwant: %q", res.YamlResult, want)
	}
}

func TestExecProgram_Timeout(t *testing.T) {
	args := writeProgram(t, map[string]string{
		"main.k": "name = \"nginx\"\n",
	})
	args.Timeout = "1ns"

	before := buildDirCount(t)
	_, err := ExecProgram(diagnostics.NewSession(), args)
	if err == nil {
		t.Fatal("Expected a timeout")
	}
	if !IsTimeout(err) {
		t.Errorf("Expected a timeout failure, got: %v", err)
	}
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("Expected err to match ErrTimeout, got: %v", err)
	}
	if after := buildDirCount(t); after != before {
		t.Errorf("Timeout leaked build directories: %d before, %d after", before, after)
	}
}

// A library symbol whose map code has more keys than values makes evaluation
// index out of range. The boundary around invocation must convert that fault
// into a runtime failure instead of crashing the process.
func TestInvoke_RecoversRuntimePanic(t *testing.T) {
	lib := kclruntime.NewLibrary(ast.EntryPkgName, []kclruntime.Package{{
		Name: ast.EntryPkgName,
		Symbols: []codegen.Symbol{
			{Name: "broken", Code: codegen.MapValue{Keys: []string{"a"}}},
		},
	}})
	path := filepath.Join(t.TempDir(), "bad"+kclruntime.LibSuffix)
	if err := kclruntime.WriteLibrary(path, lib); err != nil {
		t.Fatalf("WriteLibrary failed: %v", err)
	}

	_, err := invoke(context.Background(), path, config.NewExecProgramArgs())
	if err == nil {
		t.Fatal("Expected the fault to surface as an error")
	}
	if !IsRuntimeFault(err) {
		t.Errorf("Expected a runtime failure, got: %v", err)
	}
	if !strings.Contains(err.Error(), "runtime panic") {
		t.Errorf("Expected the panic to be named, got: %v", err)
	}

	// The boundary caught one fault; the process keeps serving runs.
	good := kclruntime.NewLibrary(ast.EntryPkgName, []kclruntime.Package{{
		Name: ast.EntryPkgName,
		Symbols: []codegen.Symbol{
			{Name: "name", Code: codegen.StringValue{V: "x"}},
		},
	}})
	goodPath := filepath.Join(t.TempDir(), "good"+kclruntime.LibSuffix)
	if err := kclruntime.WriteLibrary(goodPath, good); err != nil {
		t.Fatalf("WriteLibrary failed: %v", err)
	}
	res, err := invoke(context.Background(), goodPath, config.NewExecProgramArgs())
	if err != nil {
		t.Fatalf("Invocation after a recovered fault failed: %v", err)
	}
	if res.YamlResult != "name: x\n" {
		t.Errorf("Unexpected result %q", res.YamlResult)
	}
}

func TestExecProgram_NoIntermediateResidue(t *testing.T) {
	args := writeProgram(t, map[string]string{
		"main.k": "name = \"nginx\"\n",
	})

	before := buildDirCount(t)
	if _, err := ExecProgram(diagnostics.NewSession(), args); err != nil {
		t.Fatalf("ExecProgram failed: %v", err)
	}
	if after := buildDirCount(t); after != before {
		t.Errorf("Run leaked build directories: %d before, %d after", before, after)
	}
}

func TestExecProgram_DuplicateDeclaration(t *testing.T) {
	args := writeProgram(t, map[string]string{
		"a.k": "name = \"x\"\n",
		"b.k": "name = \"y\"\n",
	})

	sess := diagnostics.NewSession()
	_, err := ExecProgram(sess, args)
	if err == nil {
		t.Fatal("Expected duplicate declaration to fail")
	}
	if !IsCodegen(err) {
		t.Errorf("Expected a codegen failure, got: %v", err)
	}
	if !strings.Contains(err.Error(), "__main__") {
		t.Errorf("Expected the entry package to be named, got: %v", err)
	}

	// The driver pattern: only seed the session from the error when no
	// phase reported into it already.
	if !sess.HasErrors() {
		sess.AddError(err.Error())
	}
	var out strings.Builder
	if emitErr := sess.EmitAndAbort(&out); emitErr == nil {
		t.Error("Expected EmitAndAbort to return the abort error")
	}
	if !strings.Contains(out.String(), "name") {
		t.Errorf("Emitted diagnostics do not mention the symbol: %q", out.String())
	}
}

func TestExecProgram_ResolutionErrorLandsInSession(t *testing.T) {
	args := writeProgram(t, map[string]string{
		"main.k": "name = missing\n",
	})

	sess := diagnostics.NewSession()
	_, err := ExecProgram(sess, args)
	if err == nil {
		t.Fatal("Expected an undefined reference to fail")
	}
	var be *BuildError
	if !errors.As(err, &be) || be.Kind != FailureResolution {
		t.Errorf("Expected a resolution failure, got: %v", err)
	}
	if !sess.HasErrors() {
		t.Error("Expected resolution diagnostics in the session")
	}
}

func TestExecProgram_InvalidArgs(t *testing.T) {
	args := config.NewExecProgramArgs()
	args.Format = "xml"
	if _, err := ExecProgram(diagnostics.NewSession(), args); err == nil {
		t.Error("Expected invalid args to be rejected before any build work")
	}
}

func TestExecResult_Output(t *testing.T) {
	res := &ExecResult{YamlResult: "a: 1\n", JsonResult: `{"a":1}`}
	if got := res.Output(config.FormatYAML); got != "a: 1\n" {
		t.Errorf("Unexpected yaml output: %q", got)
	}
	if got := res.Output(config.FormatJSON); got != `{"a":1}` {
		t.Errorf("Unexpected json output: %q", got)
	}
}
