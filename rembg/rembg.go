package rembg

import (
	"context"
	"fmt"
	"image"
	"time"
)

const (
	NameFlood    = "flood"
	NameBiRefNet = "birefnet"
	NameNone     = "none"
)

// Remover 抠图：返回与输入同尺寸、背景 alpha 被压低的图
type Remover interface {
	Remove(ctx context.Context, img image.Image) (image.Image, error)
}

// Options 各实现的参数，只读取所选实现对应的字段
type Options struct {
	Flood    FloodOptions
	BiRefNet BiRefNetOptions
}

type FloodOptions struct {
	Tolerance float64
	WorkSize  int
	Feather   int
}

type BiRefNetOptions struct {
	Endpoint     string
	Timeout      time.Duration
	PollInterval time.Duration
	Workflow     string
}

func New(name string, opts Options) (Remover, error) {
	switch name {
	case NameFlood, "":
		return NewFloodRemBG(opts.Flood), nil
	case NameBiRefNet:
		b, err := NewBiRefNetRemBG(opts.BiRefNet)
		if err != nil {
			return nil, err
		}
		return b, nil
	case NameNone:
		return NewNopRemBG(), nil
	default:
		return nil, fmt.Errorf("unknown remover %q", name)
	}
}

// NopRemBG 不做任何处理，原样返回
type NopRemBG struct{}

func NewNopRemBG() *NopRemBG {
	return &NopRemBG{}
}

func (d *NopRemBG) Remove(ctx context.Context, img image.Image) (image.Image, error) {
	return img, nil
}
