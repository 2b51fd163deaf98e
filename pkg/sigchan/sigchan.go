package sigchan

// Chan 合并式信号：多次 Emit 在被消费前只保留缓冲区大小个信号
type Chan struct {
	c chan struct{}
}

// New 创建信号 channel（bufferSize 至少为 1）
func New(bufferSize int) *Chan {
	if bufferSize < 1 {
		bufferSize = 1
	}
	return &Chan{c: make(chan struct{}, bufferSize)}
}

// Emit 发送信号；缓冲已满时丢弃
func (c *Chan) Emit() {
	select {
	case c.c <- struct{}{}:
	default:
	}
}

// Drain 清空尚未消费的信号，返回清掉的数量
func (c *Chan) Drain() int {
	n := 0
	for {
		select {
		case <-c.c:
			n++
		default:
			return n
		}
	}
}

// C 用于 select
func (c *Chan) C() <-chan struct{} {
	return c.c
}
