package util

import (
	"errors"
	"fmt"
	"image"
	"image/draw"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strings"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// 能写回透明通道的输出格式
const (
	FormatPNG  = "png"
	FormatTIFF = "tiff"
)

var ErrUnsupportedFormat = errors.New("unsupported output format")

// FormatFromPath 按扩展名决定输出编码，只接受能保存 alpha 的格式
func FormatFromPath(path string) (string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		return FormatPNG, nil
	case ".tif", ".tiff":
		return FormatTIFF, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, filepath.Ext(path))
	}
}

// Codec 图片编解码，Encode 的 format 取 FormatPNG / FormatTIFF
type Codec interface {
	Decode(r io.Reader) (image.Image, error)
	Encode(w io.Writer, img image.Image, format string) error
}

// ImageCodec 默认编解码实现
// 解码支持 png / jpeg / gif / bmp / tiff / webp，编码支持 png / tiff
// 编码结果总是带 alpha 通道，即使所有像素都不透明
type ImageCodec struct{}

func (ImageCodec) Decode(r io.Reader) (image.Image, error) {
	img, _, err := image.Decode(r)
	return img, err
}

func (ImageCodec) Encode(w io.Writer, img image.Image, format string) error {
	switch format {
	case FormatPNG:
		// png 对全不透明的图会写成 RGB，这里强制写 RGBA
		return png.Encode(w, withAlpha{toNRGBA(img)})
	case FormatTIFF:
		// tiff 对 NRGBA 总是写入非预乘 alpha
		return tiff.Encode(w, toNRGBA(img), &tiff.Options{Compression: tiff.Deflate})
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
}

// withAlpha 让编码器始终按带透明通道处理
type withAlpha struct {
	*image.NRGBA
}

func (withAlpha) Opaque() bool { return false }

func toNRGBA(img image.Image) *image.NRGBA {
	if nrgba, ok := img.(*image.NRGBA); ok {
		return nrgba
	}
	b := img.Bounds()
	dst := image.NewNRGBA(b)
	draw.Draw(dst, b, img, b.Min, draw.Src)
	return dst
}

// ReadImage 打开本地图片并用 c 解码
func ReadImage(c Codec, path string) (image.Image, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = file.Close()
	}()

	return c.Decode(file)
}

// WriteImage 用 c 编码写入本地图片，失败时文件内容不完整，由调用方清理
func WriteImage(c Codec, path string, img image.Image, format string) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}

	if err := c.Encode(file, img, format); err != nil {
		_ = file.Close()
		return err
	}
	return file.Close()
}
