package relay

import (
	"context"
	"sync/atomic"
)

// Local 单节点部署: 发布即本地投递
type Local struct {
	d atomic.Pointer[Deliverer]
}

func NewLocal() *Local {
	return &Local{}
}

func (l *Local) Name() string { return "local" }

func (l *Local) Start(_ context.Context, d Deliverer) error {
	l.d.Store(&d)
	return nil
}

func (l *Local) Publish(_ context.Context, env *Envelope) error {
	d := l.d.Load()
	if d == nil {
		return ErrNotStarted
	}
	(*d).Deliver(env)
	return nil
}

func (l *Local) Close() error { return nil }
