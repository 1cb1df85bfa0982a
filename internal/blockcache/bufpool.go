package blockcache

import "sync"

// bufPools maps a buffer length to a *sync.Pool of *[]byte. Only a handful of
// distinct block sizes exist per process, so the map stays tiny.
var bufPools sync.Map

// getBuffer returns a zeroed byte slice of length n from the pool, or
// allocates a new one.
func getBuffer(n int) []byte {
	if p, ok := bufPools.Load(n); ok {
		if v := p.(*sync.Pool).Get(); v != nil {
			b := *(v.(*[]byte))
			clear(b)
			return b
		}
	}
	return make([]byte, n)
}

// putBuffer returns a buffer to the pool for its length. Nil buffers are
// ignored.
func putBuffer(b []byte) {
	if b == nil {
		return
	}
	p, _ := bufPools.LoadOrStore(len(b), &sync.Pool{})
	p.(*sync.Pool).Put(&b)
}
