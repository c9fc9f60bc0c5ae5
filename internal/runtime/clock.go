package runtime

import "time"

// Clock supplies cycle timestamps. Tests swap in a fixed clock so
// deterministic ids and holding times can be asserted.
type Clock interface {
	NowMs() int64
}

type systemClock struct{}

func (systemClock) NowMs() int64 { return time.Now().UnixMilli() }

// SystemClock returns the wall clock.
func SystemClock() Clock { return systemClock{} }
