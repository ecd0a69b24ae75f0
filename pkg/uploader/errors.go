package uploader

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrIO 表示读取本地文件失败。
	ErrIO = errors.New("uploader: io error")
	// ErrNetwork 表示请求失败、超时或服务端返回了失败结果。
	ErrNetwork = errors.New("uploader: network error")
	// ErrCancelled 表示上传被 Pause 或调用方取消。它不计入重试次数。
	ErrCancelled = errors.New("uploader: cancelled")
	// ErrValidation 表示输入本身不合法，重试无意义。
	ErrValidation = errors.New("uploader: validation error")
)

var (
	ErrNoFile        = fmt.Errorf("%w: no file selected", ErrValidation)
	ErrEmptyFile     = fmt.Errorf("%w: file is empty", ErrValidation)
	ErrFileTooLarge  = fmt.Errorf("%w: file exceeds size limit", ErrValidation)
	ErrInvalidInput  = fmt.Errorf("%w: invalid input", ErrValidation)
	ErrAlreadyActive = errors.New("uploader: upload already in progress")
)

// isCancelled 判断一次失败是否由 Pause 或调用方取消引起。ctx 是本次上传的运行上下文。
// 调用方设置的超时不算取消，按失败处理。
func isCancelled(ctx context.Context, err error) bool {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return errors.Is(ctxErr, context.Canceled)
	}
	return errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled)
}
