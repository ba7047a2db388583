package relay

import (
	"sync"

	"golang.org/x/time/rate"

	"officegrid.io/internal/protocol"
)

type conn struct {
	id        string
	userID    string
	companyID string
	codec     protocol.Codec
	limiter   *rate.Limiter

	out  chan []byte
	done chan struct{}
	once sync.Once

	// hub-owned
	joined map[string]struct{}
}

func newConn(id, userID, companyID string, codec protocol.Codec, queue int, lim *rate.Limiter) *conn {
	return &conn{
		id:        id,
		userID:    userID,
		companyID: companyID,
		codec:     codec,
		limiter:   lim,
		out:       make(chan []byte, queue),
		done:      make(chan struct{}),
		joined:    make(map[string]struct{}),
	}
}

// enqueue never blocks. It reports false when the queue is full or the
// connection is gone.
func (c *conn) enqueue(b []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.out <- b:
		return true
	default:
		return false
	}
}

func (c *conn) kick() {
	c.once.Do(func() { close(c.done) })
}
