package wazero

import (
	"context"

	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"
)

// sampledCallListener downsamples a callListener's instrumentation: only
// every cycle-th call is actually forwarded, the rest pass through as
// untimed no-ops. A count-down-and-push-a-bit scheme keeps Before and
// After in agreement on which calls were forwarded even though they're
// invoked from different stack frames and possibly different goroutines
// of the embedder.
type sampledCallListener struct {
	inner *callListener
	stack bitstack

	cycle uint64
	count uint64
}

func (s *sampledCallListener) Before(ctx context.Context, mod api.Module, def api.FunctionDefinition, params []uint64, si experimental.StackIterator) context.Context {
	bit := uint(0)
	if s.count--; s.count == 0 {
		s.count = s.cycle
		ctx = s.inner.Before(ctx, mod, def, params, si)
		bit = 1
	}
	s.stack.push(bit)
	return ctx
}

func (s *sampledCallListener) After(ctx context.Context, mod api.Module, def api.FunctionDefinition, err error, results []uint64) {
	if s.stack.pop() != 0 {
		s.inner.After(ctx, mod, def, err, results)
	}
}
