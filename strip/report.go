package strip

import (
	"image"
	"time"
)

type Status string

const (
	StatusProcessed Status = "processed"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// Result 单个文件的处理结果
type Result struct {
	Name   string
	Path   string
	Status Status
	Err    error

	Width  int
	Height int
	// Foreground 抠图后主体的 bounding box，没有主体时为空
	Foreground image.Rectangle
	// Coverage 主体像素占比
	Coverage float64
	// HadAlpha 输入本身已带透明信息，再跑一次结果可能变化
	HadAlpha bool
	Duration time.Duration
}

// Report 按输入顺序排列的结果
type Report struct {
	RunID   string
	Results []Result
}

func (r *Report) Count(s Status) int {
	var n int
	for _, res := range r.Results {
		if res.Status == s {
			n++
		}
	}
	return n
}

func (r *Report) Processed() int { return r.Count(StatusProcessed) }
func (r *Report) Failed() int    { return r.Count(StatusFailed) }
func (r *Report) Skipped() int   { return r.Count(StatusSkipped) }
