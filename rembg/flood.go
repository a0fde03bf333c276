package rembg

import (
	"context"
	"image"
	"image/draw"
	"math"

	"github.com/nfnt/resize"
)

const (
	defaultTolerance = 0.12
	defaultWorkSize  = 512
)

// FloodRemBG 本地抠图：从图像四周向内泛洪，和背景色足够接近的连通区域视为背景
//
//	背景色取边框像素各通道中位数
//	在缩小后的工作图上计算蒙版，再放大回原尺寸并做轻度羽化
//	结果只和输入有关，同一张图多次处理输出一致
type FloodRemBG struct {
	tolerance float64
	workSize  int
	feather   int
}

func NewFloodRemBG(opts FloodOptions) *FloodRemBG {
	f := &FloodRemBG{
		tolerance: opts.Tolerance,
		workSize:  opts.WorkSize,
		feather:   opts.Feather,
	}
	if f.tolerance <= 0 {
		f.tolerance = defaultTolerance
	}
	if f.workSize <= 0 {
		f.workSize = defaultWorkSize
	}
	if f.feather < 0 {
		f.feather = 0
	}
	return f
}

func (f *FloodRemBG) Remove(ctx context.Context, img image.Image) (image.Image, error) {
	src := ToNRGBA(img)
	b := src.Bounds()
	if b.Empty() {
		return src, nil
	}

	work := ResizeWithinMax(src, f.workSize)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mask := f.backgroundMask(work)
	if work.Bounds().Dx() != b.Dx() || work.Bounds().Dy() != b.Dy() {
		mask = toGray(resize.Resize(uint(b.Dx()), uint(b.Dy()), mask, resize.Bilinear))
	}
	for i := 0; i < f.feather; i++ {
		mask = blur3x3(mask)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return applyMask(src, mask), nil
}

// backgroundMask 返回与 img 同尺寸的蒙版，背景为 0，主体为 255
func (f *FloodRemBG) backgroundMask(img *image.NRGBA) *image.Gray {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	mask := image.NewGray(image.Rect(0, 0, w, h))
	for i := range mask.Pix {
		mask.Pix[i] = 255
	}

	ref := borderMedian(img)
	limit := f.tolerance * 255 * math.Sqrt(3)
	passable := func(x, y int) bool {
		p := img.Pix[y*img.Stride+x*4:]
		if p[3] == 0 {
			return true
		}
		dr := float64(p[0]) - float64(ref[0])
		dg := float64(p[1]) - float64(ref[1])
		db := float64(p[2]) - float64(ref[2])
		return math.Sqrt(dr*dr+dg*dg+db*db) <= limit
	}

	visited := make([]bool, w*h)
	queue := make([]int, 0, 2*(w+h))
	push := func(x, y int) {
		i := y*w + x
		if visited[i] {
			return
		}
		visited[i] = true
		if passable(x, y) {
			queue = append(queue, i)
		}
	}

	for x := 0; x < w; x++ {
		push(x, 0)
		push(x, h-1)
	}
	for y := 0; y < h; y++ {
		push(0, y)
		push(w-1, y)
	}

	for len(queue) > 0 {
		i := queue[len(queue)-1]
		queue = queue[:len(queue)-1]
		x, y := i%w, i/w
		mask.Pix[y*mask.Stride+x] = 0

		if x > 0 {
			push(x-1, y)
		}
		if x < w-1 {
			push(x+1, y)
		}
		if y > 0 {
			push(x, y-1)
		}
		if y < h-1 {
			push(x, y+1)
		}
	}

	return mask
}

// borderMedian 边框上非透明像素 RGB 各通道的中位数
func borderMedian(img *image.NRGBA) [3]uint8 {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	var hist [3][256]int
	var n int

	add := func(x, y int) {
		p := img.Pix[y*img.Stride+x*4:]
		if p[3] == 0 {
			return
		}
		hist[0][p[0]]++
		hist[1][p[1]]++
		hist[2][p[2]]++
		n++
	}
	for x := 0; x < w; x++ {
		add(x, 0)
		if h > 1 {
			add(x, h-1)
		}
	}
	for y := 1; y < h-1; y++ {
		add(0, y)
		if w > 1 {
			add(w-1, y)
		}
	}

	var ref [3]uint8
	if n == 0 {
		return ref
	}
	for c := 0; c < 3; c++ {
		seen := 0
		for v := 0; v < 256; v++ {
			seen += hist[c][v]
			if seen*2 >= n {
				ref[c] = uint8(v)
				break
			}
		}
	}
	return ref
}

// blur3x3 3x3 高斯卷积，边缘像素按就近取值
func blur3x3(src *image.Gray) *image.Gray {
	kernel := [3][3]int{
		{1, 2, 1},
		{2, 4, 2},
		{1, 2, 1},
	}
	w, h := src.Bounds().Dx(), src.Bounds().Dy()
	dst := image.NewGray(image.Rect(0, 0, w, h))

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			sum := 0
			for ky := -1; ky <= 1; ky++ {
				yy := min(max(y+ky, 0), h-1)
				for kx := -1; kx <= 1; kx++ {
					xx := min(max(x+kx, 0), w-1)
					sum += int(src.Pix[yy*src.Stride+xx]) * kernel[ky+1][kx+1]
				}
			}
			dst.Pix[y*dst.Stride+x] = uint8((sum + 8) >> 4)
		}
	}
	return dst
}

// applyMask 把蒙版乘进 alpha，不修改 src
func applyMask(src *image.NRGBA, mask *image.Gray) *image.NRGBA {
	out := image.NewNRGBA(src.Bounds())

	w, h := src.Bounds().Dx(), src.Bounds().Dy()
	for y := 0; y < h; y++ {
		copy(out.Pix[y*out.Stride:y*out.Stride+w*4], src.Pix[y*src.Stride:y*src.Stride+w*4])
		for x := 0; x < w; x++ {
			i := y*out.Stride + x*4 + 3
			m := int(mask.Pix[y*mask.Stride+x])
			out.Pix[i] = uint8((int(out.Pix[i])*m + 127) / 255)
		}
	}
	return out
}

func toGray(img image.Image) *image.Gray {
	if g, ok := img.(*image.Gray); ok && g.Bounds().Min == (image.Point{}) {
		return g
	}
	b := img.Bounds()
	dst := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}
