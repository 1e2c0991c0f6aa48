package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/riven-blade/kcl/pkg/ast"
	"github.com/riven-blade/kcl/pkg/codegen"
	"github.com/riven-blade/kcl/pkg/config"
	"github.com/riven-blade/kcl/pkg/diagnostics"
	"github.com/riven-blade/kcl/pkg/parser"
	kclruntime "github.com/riven-blade/kcl/pkg/runtime"
	"github.com/riven-blade/kcl/pkg/sema"
	"github.com/riven-blade/kcl/pkg/telemetry"
)

// ExecResult is the normalized result of one successful execution.
// It is produced exactly once per run and not mutated afterwards.
type ExecResult struct {
	// YamlResult is the YAML serialization of the computed configuration.
	YamlResult string `json:"yaml_result"`

	// JsonResult is the JSON serialization of the same configuration.
	JsonResult string `json:"json_result"`
}

// Output returns the serialization selected by format.
func (r *ExecResult) Output(format string) string {
	if format == config.FormatJSON {
		return r.JsonResult
	}
	return r.YamlResult
}

// Execute resolves prog, assembles its packages into objects, links the
// reachable objects into a library, and invokes that library, all bounded by
// the deadline in args. Diagnostics for resolution failures land in sess.
//
// Every intermediate this function creates (the entry object, its shards,
// the linked library, the build directory) is removed on every exit path,
// including timeout. On timeout the in-flight invocation goroutine is
// abandoned, not killed; its resources are released when it finishes.
func Execute(ctx context.Context, sess *diagnostics.Session, prog *ast.Program, args *config.ExecProgramArgs) (*ExecResult, error) {
	log := telemetry.FromContext(ctx).NewComponentLogger("runner")

	deadline, err := args.Deadline()
	if err != nil {
		return nil, NewParseError(err)
	}
	if deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, deadline)
		defer cancel()
	}

	scope, err := sema.ResolveProgram(prog, sess)
	if err != nil {
		return nil, NewResolutionError(err)
	}

	buildDir, err := os.MkdirTemp("", "kcl-build-*")
	if err != nil {
		return nil, NewIOError("", err)
	}
	defer func() {
		if err := CleanPath(buildDir); err != nil {
			log.WithError(err).Warn("failed to remove build directory")
		}
	}()

	linker := NewGobAssembler()
	entryFile := TempFile(buildDir)
	asm := NewAssembler(prog, scope, entryFile, linker)
	defer func() {
		_ = CleanPathForGenLibs(entryFile+codegen.ObjectFileSuffix, codegen.ObjectFileSuffix)
	}()

	start := time.Now()
	if _, err := asm.GenLibs(ctx); err != nil {
		return nil, normalizeCtxErr(err)
	}
	log.Debugf("assembled %d packages in %s", prog.PkgCount(), time.Since(start))

	objPaths := make(map[ast.PkgPath]string, len(prog.Pkgs))
	for pkg := range prog.Pkgs {
		objPaths[pkg] = asm.ObjectPath(pkg)
	}

	libPath := entryFile + linker.FileSuffix()
	defer func() { _ = CleanPath(libPath) }()
	if _, err := linker.LinkLibs(ctx, prog, scope.ImportNames, objPaths, libPath); err != nil {
		return nil, normalizeCtxErr(err)
	}

	return invoke(ctx, libPath, args)
}

// invoke loads the linked library and runs it, racing the invocation
// goroutine against the context deadline. Unless args.DisableRecover is
// set, a fault inside the artifact is caught at the goroutine boundary and
// converted into a runtime failure instead of crashing the process.
func invoke(ctx context.Context, libPath string, args *config.ExecProgramArgs) (*ExecResult, error) {
	type outcome struct {
		res *ExecResult
		err error
	}
	ch := make(chan outcome, 1)

	go func() {
		if !args.DisableRecover {
			defer func() {
				if r := recover(); r != nil {
					ch <- outcome{err: NewRuntimeError(fmt.Sprintf("runtime panic: %v", r), nil)}
				}
			}()
		}

		lib, err := kclruntime.LoadLibrary(libPath)
		if err != nil {
			ch <- outcome{err: NewIOError(libPath, err)}
			return
		}
		doc, err := lib.Invoke(ctx)
		if err != nil {
			ch <- outcome{err: normalizeCtxErr(NewRuntimeError("", err))}
			return
		}

		yamlOut, err := doc.YAML()
		if err != nil {
			ch <- outcome{err: NewRuntimeError("serializing result", err)}
			return
		}
		jsonOut, err := doc.JSON()
		if err != nil {
			ch <- outcome{err: NewRuntimeError("serializing result", err)}
			return
		}
		ch <- outcome{res: &ExecResult{YamlResult: yamlOut, JsonResult: jsonOut}}
	}()

	select {
	case out := <-ch:
		return out.res, out.err
	case <-ctx.Done():
		return nil, normalizeCtxErr(ctx.Err())
	}
}

// ExecProgram parses, resolves, builds and runs the program named by args,
// routing failures from every phase through sess.
func ExecProgram(sess *diagnostics.Session, args *config.ExecProgramArgs) (*ExecResult, error) {
	return ExecProgramContext(context.Background(), sess, args)
}

// ExecProgramContext is ExecProgram with a caller-supplied context.
func ExecProgramContext(ctx context.Context, sess *diagnostics.Session, args *config.ExecProgramArgs) (*ExecResult, error) {
	if err := args.Validate(); err != nil {
		return nil, NewParseError(err)
	}

	prog, err := parser.LoadProgram(sess, args.KFilenameList, args.GetLoadOptions())
	if err != nil {
		return nil, NewParseError(err)
	}

	return Execute(ctx, sess, prog, args)
}

// normalizeCtxErr converts an elapsed context deadline, wherever it
// surfaced, into the timeout failure kind.
func normalizeCtxErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return NewTimeoutError()
	}
	return err
}
