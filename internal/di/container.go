package di

import (
	"errors"
	"sync"

	"go.uber.org/dig"
)

// Container 依赖注入容器，附带按注册逆序执行的关闭钩子
type Container struct {
	*dig.Container

	mu      sync.Mutex
	closers []func() error
	closed  bool
}

// New 创建空容器
func New() *Container {
	return &Container{Container: dig.New()}
}

// OnClose registers fn to run on Close. Providers call it for every
// connection they open.
func (c *Container) OnClose(fn func() error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closers = append(c.closers, fn)
}

// Close runs the registered hooks once, last registered first.
func (c *Container) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	closers := c.closers
	c.closers = nil
	c.mu.Unlock()

	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
