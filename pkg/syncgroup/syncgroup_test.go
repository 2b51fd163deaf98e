package syncgroup

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRunAndWait(t *testing.T) {
	g := NewSyncGroup()
	var n atomic.Int32
	for i := 0; i < 5; i++ {
		g.Add(func() { n.Add(1) })
	}
	g.AddNamed("boom", func() { panic("boom") })
	g.Run()
	g.Wait()
	assert.Equal(t, int32(5), n.Load())
	assert.Equal(t, 0, g.Running())

	// 第二轮只运行新登记的函数
	g.Add(func() { n.Add(10) })
	g.Run()
	g.Wait()
	assert.Equal(t, int32(15), n.Load())
}
