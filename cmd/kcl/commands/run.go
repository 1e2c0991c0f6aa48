package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/riven-blade/kcl/pkg/config"
	"github.com/riven-blade/kcl/pkg/diagnostics"
	"github.com/riven-blade/kcl/pkg/runner"
	"github.com/riven-blade/kcl/pkg/telemetry"
)

func newRunCommand() *cobra.Command {
	var (
		settingsFile   string
		output         string
		format         string
		timeout        string
		watch          bool
		disableRecover bool
	)

	cmd := &cobra.Command{
		Use:   "run [file...]",
		Short: "Compile and run KCL files",
		Long: `Compile the given KCL files and print the resulting document.

Input files may come from the command line, a settings file, or both.
Package objects are cached under the program root; only the entry package
is rebuilt on every run.`,
		Example: `  # Run a single file
  kcl run main.k

  # Run with inputs and options from a settings file
  kcl run -Y settings.yaml

  # Produce JSON instead of YAML, into a file
  kcl run main.k --format json -o result.json

  # Re-run whenever an input file changes
  kcl run main.k --watch

  # Bound the whole compile-link-run cycle
  kcl run main.k --timeout 5s`,
		RunE: func(cmd *cobra.Command, posArgs []string) error {
			args, err := buildExecArgs(posArgs, settingsFile, output, format, timeout, disableRecover)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			if verbose {
				logger, err := telemetry.NewLogger(telemetry.LoggingConfig{Level: "debug"})
				if err != nil {
					return err
				}
				ctx = logger.WithContext(ctx)
			}

			if watch {
				return runWatch(ctx, args)
			}
			return runOnce(ctx, args)
		},
	}

	cmd.Flags().StringVarP(&settingsFile, "setting", "Y", "", "settings file with inputs and options")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write the result to this file instead of stdout")
	cmd.Flags().StringVar(&format, "format", "", "result format: yaml or json")
	cmd.Flags().StringVar(&timeout, "timeout", "", "deadline on the compile-link-run cycle, e.g. 5s")
	cmd.Flags().BoolVar(&watch, "watch", false, "re-run whenever an input file changes")
	cmd.Flags().BoolVar(&disableRecover, "disable-recover", false, "let artifact faults crash the process (debug)")
	_ = cmd.Flags().MarkHidden("disable-recover")

	return cmd
}

// buildExecArgs merges the settings file, positional files and flags into
// one validated argument set. Flags win over the settings file.
func buildExecArgs(files []string, settingsFile, output, format, timeout string, disableRecover bool) (*config.ExecProgramArgs, error) {
	args := config.NewExecProgramArgs()
	if settingsFile != "" {
		sf, err := config.LoadSettingsFile(settingsFile)
		if err != nil {
			return nil, err
		}
		args, err = sf.ToExecArgs()
		if err != nil {
			return nil, err
		}
	}

	args.KFilenameList = append(args.KFilenameList, files...)
	if output != "" {
		args.Output = output
	}
	if format != "" {
		args.Format = format
	}
	if timeout != "" {
		args.Timeout = timeout
	}
	if disableRecover {
		args.DisableRecover = true
	}

	if len(args.KFilenameList) == 0 {
		return nil, fmt.Errorf("no input files: pass them as arguments or in a settings file")
	}
	if err := args.Validate(); err != nil {
		return nil, err
	}
	return args, nil
}

// runOnce executes one build-run cycle and reports through a fresh
// diagnostic session. A failure that the session already holds is not
// pushed a second time.
func runOnce(ctx context.Context, args *config.ExecProgramArgs) error {
	sess := diagnostics.NewSession()
	result, err := runner.ExecProgramContext(ctx, sess, args)
	if err != nil {
		if !sess.HasErrors() {
			sess.AddError(err.Error())
		}
		return sess.EmitAndAbort(os.Stderr)
	}

	out := result.Output(args.Format)
	if args.Output != "" {
		if err := os.WriteFile(args.Output, []byte(out), 0o644); err != nil {
			return err
		}
		return nil
	}
	fmt.Print(out)
	if !strings.HasSuffix(out, "\n") {
		fmt.Println()
	}
	return nil
}

// runWatch runs once, then re-runs on every change to an input file until
// the context is cancelled.
func runWatch(ctx context.Context, args *config.ExecProgramArgs) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Watch the containing directories: editors replace files on save,
	// which drops plain file watches.
	dirs := map[string]bool{}
	for _, f := range args.KFilenameList {
		dirs[filepath.Dir(f)] = true
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			return err
		}
	}

	inputs := map[string]bool{}
	for _, f := range args.KFilenameList {
		abs, err := filepath.Abs(f)
		if err != nil {
			return err
		}
		inputs[abs] = true
	}

	if err := runOnce(ctx, args); err != nil {
		log.Error().Err(err).Msg("Run failed, watching for changes")
	}

	var debounce <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			abs, err := filepath.Abs(event.Name)
			if err != nil || !inputs[abs] {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			debounce = time.After(200 * time.Millisecond)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("Watch error")
		case <-debounce:
			debounce = nil
			log.Info().Msg("Input changed, re-running")
			if err := runOnce(ctx, args); err != nil {
				log.Error().Err(err).Msg("Run failed, watching for changes")
			}
		}
	}
}
