package gateway

import (
	"errors"
	"fmt"
)

var (
	// ErrSourceUnavailable 网络/传输失败或超时。
	ErrSourceUnavailable = errors.New("source unavailable")
	// ErrInvalidResponse 返回内容无法解码或字段不合法。
	ErrInvalidResponse = errors.New("invalid response")
	// ErrCapabilityUnsupported 数据源不支持该查询；调用方拿到的是零值结果，而不是这个错误。
	ErrCapabilityUnsupported = errors.New("capability unsupported")
	// ErrInvalidArgument 调用参数不合法（地址格式、limit 等）。
	ErrInvalidArgument = errors.New("invalid argument")
)

// SourceError 带上下文的网关错误，errors.Is 可匹配其 Kind。
type SourceError struct {
	Op     string // 例如 fetchOrders
	Source string // indexer / clearingHouse / vault ...
	Kind   error
	Err    error
}

func (e *SourceError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s %s: %v", e.Source, e.Op, e.Kind)
	}
	return fmt.Sprintf("%s %s: %v: %v", e.Source, e.Op, e.Kind, e.Err)
}

func (e *SourceError) Unwrap() error { return e.Err }

func (e *SourceError) Is(target error) bool { return target == e.Kind }

func unavailable(op, src string, err error) error {
	return &SourceError{Op: op, Source: src, Kind: ErrSourceUnavailable, Err: err}
}

func invalid(op, src string, err error) error {
	return &SourceError{Op: op, Source: src, Kind: ErrInvalidResponse, Err: err}
}

func badArgument(op string, err error) error {
	return &SourceError{Op: op, Source: "caller", Kind: ErrInvalidArgument, Err: err}
}

// ErrorKind 返回错误分类，用于指标标签。
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInvalidArgument):
		return "invalid_argument"
	case errors.Is(err, ErrInvalidResponse):
		return "invalid_response"
	case errors.Is(err, ErrCapabilityUnsupported):
		return "unsupported"
	default:
		return "unavailable"
	}
}
