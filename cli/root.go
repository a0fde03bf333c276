package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/chaos-io/bgstrip/config"
	"github.com/chaos-io/bgstrip/rembg"
	"github.com/chaos-io/bgstrip/strip"
)

type flags struct {
	dir          string
	manifest     string
	remover      string
	workers      int
	keepGoing    bool
	tempSuffix   string
	logLevel     string
	debug        bool
	endpoint     string
	timeout      time.Duration
	pollInterval time.Duration
	workflow     string
	tolerance    float64
	workSize     int
	feather      int
}

// NewRootCmd bgstrip 命令：批量去除图片背景并覆盖原文件
func NewRootCmd(version string) *cobra.Command {
	cmd, _ := newRootCmd(version)
	return cmd
}

func newRootCmd(version string) (*cobra.Command, *flags) {
	def := config.Default()
	f := &flags{}

	cmd := &cobra.Command{
		Use:   "bgstrip [flags] [file ...]",
		Short: "Remove image backgrounds in place",
		Long: "bgstrip removes the background of each listed image and overwrites the original " +
			"with a transparent-background version.",
		Version:       version,
		Example:       rootCmdExample,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd, f, args)
			if err != nil {
				return err
			}
			return run(cmd, cfg)
		},
	}

	fs := cmd.Flags()
	fs.StringVarP(&f.dir, "dir", "d", def.Dir, "base directory the file names are relative to")
	fs.StringVarP(&f.manifest, "manifest", "m", "", "YAML manifest with the file list and settings")
	fs.StringVarP(&f.remover, "remover", "r", def.Remover, "background remover: flood, birefnet or none")
	fs.IntVarP(&f.workers, "workers", "w", def.Workers, "number of files processed in parallel")
	fs.BoolVarP(&f.keepGoing, "keep-going", "k", def.KeepGoing, "continue with the remaining files after a failure")
	fs.StringVar(&f.tempSuffix, "temp-suffix", def.TempSuffix, "suffix of the temporary alpha-normalized copy")
	fs.StringVar(&f.logLevel, "log-level", def.LogLevel, "log level: debug, info, warn or error")
	fs.BoolVar(&f.debug, "debug", false, "shorthand for --log-level debug")
	fs.StringVar(&f.endpoint, "endpoint", def.BiRefNet.Endpoint, "ComfyUI endpoint serving the BiRefNet workflow")
	fs.DurationVar(&f.timeout, "timeout", def.BiRefNet.Timeout, "BiRefNet per-image timeout")
	fs.DurationVar(&f.pollInterval, "poll-interval", def.BiRefNet.PollInterval, "BiRefNet history poll interval")
	fs.StringVar(&f.workflow, "workflow", "", "ComfyUI workflow JSON replacing the embedded one")
	fs.Float64Var(&f.tolerance, "tolerance", def.Flood.Tolerance, "flood colour distance tolerance (0, 1]")
	fs.IntVar(&f.workSize, "work-size", def.Flood.WorkSize, "flood mask resolution (longest side)")
	fs.IntVar(&f.feather, "feather", def.Flood.Feather, "flood mask feather passes")

	return cmd, f
}

const rootCmdExample = `  # Strip the backgrounds of two images under public/
  bgstrip -d public lobo-emoji.png onca-emoji.png

  # Run a manifest, continuing past failures
  bgstrip -m bgstrip.yaml --keep-going

  # Use BiRefNet on a ComfyUI server with 4 workers
  bgstrip -m bgstrip.yaml -r birefnet --endpoint http://127.0.0.1:8188 -w 4`

// resolveConfig 默认值 < 清单 < 显式传入的 flag < 位置参数
func resolveConfig(cmd *cobra.Command, f *flags, args []string) (config.Config, error) {
	cfg := config.Default()
	if f.manifest != "" {
		loaded, err := config.Load(f.manifest)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	}

	changed := cmd.Flags().Changed
	if changed("dir") {
		cfg.Dir = f.dir
	}
	if changed("remover") {
		cfg.Remover = f.remover
	}
	if changed("workers") {
		cfg.Workers = f.workers
	}
	if changed("keep-going") {
		cfg.KeepGoing = f.keepGoing
	}
	if changed("temp-suffix") {
		cfg.TempSuffix = f.tempSuffix
	}
	if changed("log-level") {
		cfg.LogLevel = f.logLevel
	}
	if f.debug {
		cfg.LogLevel = "debug"
	}
	if changed("endpoint") {
		cfg.BiRefNet.Endpoint = f.endpoint
	}
	if changed("timeout") {
		cfg.BiRefNet.Timeout = f.timeout
	}
	if changed("poll-interval") {
		cfg.BiRefNet.PollInterval = f.pollInterval
	}
	if changed("workflow") {
		cfg.BiRefNet.Workflow = f.workflow
	}
	if changed("tolerance") {
		cfg.Flood.Tolerance = f.tolerance
	}
	if changed("work-size") {
		cfg.Flood.WorkSize = f.workSize
	}
	if changed("feather") {
		cfg.Flood.Feather = f.feather
	}
	if len(args) > 0 {
		cfg.Files = args
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func run(cmd *cobra.Command, cfg config.Config) error {
	logger := config.NewLogger(cfg.LogLevel, cmd.ErrOrStderr())
	ctx := logger.WithContext(cmd.Context())

	remover, err := rembg.New(cfg.Remover, cfg.RemoverOptions())
	if err != nil {
		return err
	}

	s := strip.New(remover,
		strip.WithOutput(cmd.OutOrStdout()),
		strip.WithLogger(logger),
		strip.WithTempSuffix(cfg.TempSuffix),
		strip.WithWorkers(cfg.Workers),
		strip.WithKeepGoing(cfg.KeepGoing),
	)

	report, err := s.Run(ctx, cfg.Dir, cfg.Files)
	if err != nil {
		return fmt.Errorf("%d of %d files failed, %d skipped: %w",
			report.Failed(), len(report.Results), report.Skipped(), err)
	}
	return nil
}
