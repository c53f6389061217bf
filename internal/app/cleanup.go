package app

// cleanup is a stack of release functions run in reverse order of push.
type cleanup struct {
	fns []func()
}

func (c *cleanup) push(fn func()) { c.fns = append(c.fns, fn) }

func (c *cleanup) run() {
	for i := len(c.fns) - 1; i >= 0; i-- {
		c.fns[i]()
	}
	c.fns = nil
}
