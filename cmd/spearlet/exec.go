package main

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/lfedgeai/SPEAR-sub001/internal/config"
	"github.com/lfedgeai/SPEAR-sub001/internal/errs"
	"github.com/lfedgeai/SPEAR-sub001/internal/manager"
	"github.com/lfedgeai/SPEAR-sub001/internal/registry"
	"github.com/lfedgeai/SPEAR-sub001/internal/runtime"
	"github.com/lfedgeai/SPEAR-sub001/internal/runtime/inprocess"
	"github.com/lfedgeai/SPEAR-sub001/pkg/types"
)

type execOptions struct {
	manifest  string
	payload   string
	timeoutMs int64
	dryRun    bool
}

func newExecCmd() *cobra.Command {
	var opts execOptions
	cmd := &cobra.Command{
		Use:     "exec",
		Short:   "Register an artifact manifest and run one execution against it",
		Example: "  spearlet exec --artifact ./artifacts/echo.yaml --payload '{\"msg\":\"hi\"}'",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg.Log, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if opts.dryRun {
				return runExec(cmd.Context(), cfg, dryRunRuntimes(logger), logger, opts, cmd.OutOrStdout())
			}
			runtimes, closeRuntimes, err := buildRuntimes(cfg, logger)
			if err != nil {
				return err
			}
			defer closeRuntimes(context.Background())
			return runExec(cmd.Context(), cfg, runtimes, logger, opts, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&opts.manifest, "artifact", "", "Artifact manifest (.yaml, .toml or .json)")
	cmd.Flags().StringVar(&opts.payload, "payload", "", "JSON payload; \"-\" reads stdin")
	cmd.Flags().Int64Var(&opts.timeoutMs, "timeout-ms", 0, "Execution timeout; 0 uses the artifact default")
	cmd.Flags().BoolVar(&opts.dryRun, "dry-run", false, "Run the pipeline against in-process echo instances instead of the artifact's runtime")
	_ = cmd.MarkFlagRequired("artifact")
	return cmd
}

// runExec executes once and writes the response as indented JSON. A failed
// execution is still printed before its error is returned.
func runExec(ctx context.Context, cfg config.Config, runtimes *runtime.Registry, logger zerolog.Logger, opts execOptions, out io.Writer) error {
	spec, err := registry.LoadFile(opts.manifest)
	if err != nil {
		return err
	}
	payload, err := readPayload(opts.payload)
	if err != nil {
		return err
	}

	mc, err := managerConfig(cfg)
	if err != nil {
		return err
	}
	mc.Runtimes = runtimes
	mc.Logger = logger
	mgr := manager.NewWithConfig(mc)
	defer func() {
		dctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = mgr.DrainAll(dctx)
	}()

	if _, err := mgr.RegisterArtifact(spec); err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()
	resp, err := mgr.Execute(ctx, types.ExecuteRequest{
		ArtifactID: spec.ID,
		Payload:    payload,
		TimeoutMs:  opts.timeoutMs,
	})
	if resp.ExecutionID != "" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if werr := enc.Encode(resp); werr != nil {
			return werr
		}
	}
	logger.Debug().Dur("dur", time.Since(start)).Str("execution_id", resp.ExecutionID).Msg("exec done")
	return err
}

// dryRunRuntimes serves every runtime type with in-process handlers, so a
// manifest is validated and derived without launching anything.
func dryRunRuntimes(logger zerolog.Logger) *runtime.Registry {
	reg := runtime.NewRegistry()
	for _, t := range []runtime.Type{runtime.TypeProcess, runtime.TypeContainer, runtime.TypeWasm, runtime.TypeKubernetes} {
		rt := inprocess.New(t, logger)
		rt.Fallback(inprocess.Echo)
		reg.Register(rt)
	}
	return reg
}

func readPayload(arg string) (json.RawMessage, error) {
	var b []byte
	switch arg {
	case "":
		return nil, nil
	case "-":
		var err error
		if b, err = io.ReadAll(os.Stdin); err != nil {
			return nil, err
		}
	default:
		b = []byte(arg)
	}
	if !json.Valid(b) {
		return nil, errs.New(errs.ClassSystem, errs.KindValidation, "payload is not valid JSON")
	}
	return json.RawMessage(b), nil
}
