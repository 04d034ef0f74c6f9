package gateway

import "time"

// FetchObserver 记录每次远程调用的结果与耗时（由 monitor 实现）。
type FetchObserver interface {
	ObserveFetch(op string, err error, elapsed time.Duration)
}

type nopFetchObserver struct{}

func (nopFetchObserver) ObserveFetch(string, error, time.Duration) {}
