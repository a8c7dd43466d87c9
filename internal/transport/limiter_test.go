package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIPLimiterCaps(t *testing.T) {
	lim := newIPLimiter(1, 2)
	assert.True(t, lim.acquireConn("1.2.3.4"))
	assert.False(t, lim.acquireConn("1.2.3.4"), "conn cap")
	assert.True(t, lim.acquireConn("2.3.4.5"), "separate ip")
	lim.releaseConn("1.2.3.4")
	assert.True(t, lim.acquireConn("1.2.3.4"), "acquire after release")

	assert.True(t, lim.acquireStream("1.2.3.4"))
	assert.True(t, lim.acquireStream("1.2.3.4"))
	assert.False(t, lim.acquireStream("1.2.3.4"), "stream cap")
	lim.releaseStream("1.2.3.4")
	assert.True(t, lim.acquireStream("1.2.3.4"))
}

func TestIPLimiterZeroDisables(t *testing.T) {
	lim := newIPLimiter(0, 0)
	for i := 0; i < 100; i++ {
		assert.True(t, lim.acquireConn("1.2.3.4"))
		assert.True(t, lim.acquireStream("1.2.3.4"))
	}
	lim.releaseConn("1.2.3.4")
	assert.Empty(t, lim.connCounts)
}
