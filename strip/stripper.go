package strip

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/ksuid"
	"golang.org/x/sync/errgroup"

	"github.com/chaos-io/bgstrip/rembg"
	"github.com/chaos-io/bgstrip/util"
)

// DefaultTempSuffix 临时文件后缀，a.png 对应 a.png-temp.png
const DefaultTempSuffix = "-temp.png"

// 统计主体范围时的 alpha 阈值
const foregroundThreshold = 0.5

type Codec = util.Codec

// Stripper 批量去背景并原地覆盖原图
//
//	打开 -> 补齐 alpha -> 写临时文件 -> 重新读取 -> 抠图 -> 覆盖原图 -> 删除临时文件
type Stripper struct {
	remover    rembg.Remover
	codec      Codec
	tempSuffix string
	workers    int
	keepGoing  bool
	out        io.Writer
	log        zerolog.Logger

	outMu sync.Mutex
}

type Option func(*Stripper)

func WithCodec(c Codec) Option {
	return func(s *Stripper) { s.codec = c }
}

func WithTempSuffix(suffix string) Option {
	return func(s *Stripper) { s.tempSuffix = suffix }
}

// WithWorkers 并发处理的文件数，1 表示按顺序逐个处理
func WithWorkers(n int) Option {
	return func(s *Stripper) { s.workers = n }
}

// WithKeepGoing 出错后继续处理剩余文件，默认遇错即停
func WithKeepGoing(keepGoing bool) Option {
	return func(s *Stripper) { s.keepGoing = keepGoing }
}

// WithOutput 每处理完一个文件输出一行 "Processed <filename>"
func WithOutput(w io.Writer) Option {
	return func(s *Stripper) { s.out = w }
}

func WithLogger(log zerolog.Logger) Option {
	return func(s *Stripper) { s.log = log }
}

func New(remover rembg.Remover, opts ...Option) *Stripper {
	s := &Stripper{
		remover:    remover,
		codec:      util.ImageCodec{},
		tempSuffix: DefaultTempSuffix,
		workers:    1,
		out:        os.Stdout,
		log:        zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.workers < 1 {
		s.workers = 1
	}
	if s.tempSuffix == "" {
		s.tempSuffix = DefaultTempSuffix
	}
	return s
}

// Run 处理 dir 下的 files，返回的 Report 与 files 顺序一致
//
// 默认遇到第一个失败就停止，尚未开始的文件标记为 skipped 且不会被改动，
// 返回该失败；keepGoing 时处理完全部文件，返回所有失败的 errors.Join。
func (s *Stripper) Run(ctx context.Context, dir string, files []string) (*Report, error) {
	report := &Report{
		RunID:   ksuid.New().String(),
		Results: make([]Result, len(files)),
	}
	for i, name := range files {
		report.Results[i] = Result{
			Name:   name,
			Path:   filepath.Join(dir, name),
			Status: StatusSkipped,
		}
	}
	if err := checkPaths(report.Results, s.tempSuffix); err != nil {
		return report, err
	}

	log := s.log.With().Str("run_id", report.RunID).Logger()
	ctx = log.WithContext(ctx)
	log.Info().
		Str("dir", dir).
		Int("files", len(files)).
		Int("workers", s.workers).
		Bool("keep_going", s.keepGoing).
		Msg("start batch")

	var (
		errMu sync.Mutex
		errs  []error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for i := range report.Results {
		if gctx.Err() != nil {
			break
		}
		res := &report.Results[i]
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			err := s.process(gctx, res)
			if err == nil {
				return nil
			}
			if s.keepGoing {
				errMu.Lock()
				errs = append(errs, err)
				errMu.Unlock()
				return nil
			}
			return err
		})
	}

	err := g.Wait()
	if s.keepGoing {
		err = errors.Join(errs...)
	}
	if err == nil && ctx.Err() != nil {
		err = fmt.Errorf("batch interrupted: %w", ctx.Err())
	}

	ev := log.Info()
	if err != nil {
		ev = log.Error().Err(err)
	}
	ev.Int("processed", report.Processed()).
		Int("failed", report.Failed()).
		Int("skipped", report.Skipped()).
		Msg("batch finished")

	return report, err
}

func (s *Stripper) process(ctx context.Context, res *Result) error {
	start := time.Now()
	log := zerolog.Ctx(ctx).With().Str("file", res.Name).Logger()
	ctx = log.WithContext(ctx)
	defer util.Trace(ctx, "strip file")()

	err := s.stripFile(ctx, res)
	res.Duration = time.Since(start)
	if err != nil {
		res.Status = StatusFailed
		res.Err = err
		log.Error().Err(err).Msg("strip failed")
		return err
	}

	res.Status = StatusProcessed
	log.Debug().
		Int("width", res.Width).
		Int("height", res.Height).
		Float64("coverage", res.Coverage).
		Msg("background removed")
	s.printf("Processed %s\n", res.Name)
	return nil
}

// stripFile 处理单个文件，临时文件在任何返回路径上都会被删除
func (s *Stripper) stripFile(ctx context.Context, res *Result) (err error) {
	log := zerolog.Ctx(ctx)
	name, path := res.Name, res.Path

	// 先确认能以原格式写回透明图，避免白跑一次推理
	format, err := util.FormatFromPath(path)
	if err != nil {
		return fileErr(name, path, ErrWrite, err)
	}

	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fileErr(name, path, ErrFileNotFound, err)
		}
		return fileErr(name, path, ErrDecode, err)
	}
	if info.IsDir() {
		return fileErr(name, path, ErrDecode, errors.New("is a directory"))
	}

	src, err := util.ReadImage(s.codec, path)
	if err != nil {
		return fileErr(name, path, ErrDecode, err)
	}

	normalized := rembg.ToNRGBA(src)
	res.Width, res.Height = normalized.Bounds().Dx(), normalized.Bounds().Dy()
	if rembg.HasUsefulAlpha(normalized) {
		res.HadAlpha = true
		log.Warn().Msg("input already has transparency, result may differ from the first pass")
	}

	tmp := path + s.tempSuffix
	defer func() {
		rmErr := os.Remove(tmp)
		if rmErr == nil || errors.Is(rmErr, fs.ErrNotExist) {
			return
		}
		cleanupErr := fileErr(name, tmp, ErrCleanup, rmErr)
		if err == nil {
			err = cleanupErr
		} else {
			err = errors.Join(err, cleanupErr)
		}
	}()

	if err := util.WriteImage(s.codec, tmp, normalized, util.FormatPNG); err != nil {
		return fileErr(name, tmp, ErrWrite, err)
	}

	reopened, err := util.ReadImage(s.codec, tmp)
	if err != nil {
		return fileErr(name, tmp, ErrDecode, err)
	}

	out, err := s.remover.Remove(ctx, reopened)
	if err != nil {
		return fileErr(name, path, ErrSegmentation, err)
	}
	if out == nil {
		return fileErr(name, path, ErrSegmentation, errors.New("remover returned no image"))
	}
	if ob := out.Bounds(); ob.Dx() != res.Width || ob.Dy() != res.Height {
		return fileErr(name, path, ErrSegmentation,
			fmt.Errorf("remover changed size from %dx%d to %dx%d", res.Width, res.Height, ob.Dx(), ob.Dy()))
	}

	result := rembg.ToNRGBA(out)
	if err := s.replace(path, result, format, info.Mode().Perm()); err != nil {
		return fileErr(name, path, ErrWrite, err)
	}

	res.Coverage = rembg.Coverage(result, foregroundThreshold)
	if bbox, err := rembg.AlphaBBox(result, foregroundThreshold); err == nil {
		res.Foreground = bbox
	}

	return nil
}

// replace 先写到同目录的隐藏文件再 rename，写失败时原图保持不变
func (s *Stripper) replace(path string, img image.Image, format string, perm fs.FileMode) (err error) {
	staging, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.part")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = staging.Close()
			_ = os.Remove(staging.Name())
		}
	}()

	if err = s.codec.Encode(staging, img, format); err != nil {
		return err
	}
	if err = staging.Sync(); err != nil {
		return err
	}
	if err = staging.Close(); err != nil {
		return err
	}
	if err = os.Chmod(staging.Name(), perm); err != nil {
		return err
	}
	return os.Rename(staging.Name(), path)
}

func (s *Stripper) printf(format string, args ...any) {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	_, _ = fmt.Fprintf(s.out, format, args...)
}

// checkPaths 拒绝重复路径，以及恰好是另一项临时文件的路径
func checkPaths(results []Result, tempSuffix string) error {
	seen := make(map[string]string, len(results))
	for _, res := range results {
		p := filepath.Clean(res.Path)
		if prev, ok := seen[p]; ok {
			return fmt.Errorf("duplicate file %q (same path as %q)", res.Name, prev)
		}
		seen[p] = res.Name
	}
	for _, res := range results {
		if other, ok := seen[filepath.Clean(res.Path)+tempSuffix]; ok {
			return fmt.Errorf("file %q collides with temporary file of %q", other, res.Name)
		}
	}
	return nil
}
