package browser

import "sync/atomic"

// HeaderSetter is implemented by drivers that attach auth headers to backend
// requests and can have them swapped while open
type HeaderSetter interface {
	SetHeaders(h map[string]string)
}

type atomicHeaders struct {
	v atomic.Value
}

func (a *atomicHeaders) Store(h map[string]string) {
	cp := make(map[string]string, len(h))
	for k, v := range h {
		cp[k] = v
	}
	a.v.Store(cp)
}

func (a *atomicHeaders) Load() any {
	return a.v.Load()
}
