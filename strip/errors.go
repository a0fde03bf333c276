package strip

import (
	"errors"
	"fmt"
)

// 失败分类，配合 errors.Is 使用
var (
	ErrFileNotFound = errors.New("file not found")
	ErrDecode       = errors.New("decode error")
	ErrSegmentation = errors.New("segmentation failure")
	ErrWrite        = errors.New("write failure")
	ErrCleanup      = errors.New("cleanup failure")
)

// FileError 某一个文件在某个阶段的失败
type FileError struct {
	Name string
	Path string
	Kind error
	Err  error
}

func (e *FileError) Error() string {
	return fmt.Sprintf("%s: %v: %v", e.Name, e.Kind, e.Err)
}

func (e *FileError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

func fileErr(name, path string, kind, err error) *FileError {
	return &FileError{Name: name, Path: path, Kind: kind, Err: err}
}
