package cobase

import "time"

// Manager defaults, applied where the Config field is zero.
const (
	// writes closer together than this are stored uncompressed
	defaultHotWindow   = time.Second
	defaultCompressMin = 256
	// how long to wait for another process's data initialization
	defaultInitWait = 10 * time.Second
)

// coalesce returns def when v is the zero value of T, otherwise v.
func coalesce[T comparable](v, def T) T {
	var zero T
	if v == zero {
		return def
	}
	return v
}
