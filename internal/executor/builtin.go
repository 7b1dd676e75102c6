package executor

import (
	"context"
	"fmt"
	"strings"
)

// Noop succeeds immediately for every kind. It lets a fresh deployment be
// smoke-tested without custom executors.
type Noop struct{}

func (Noop) Execute(_ context.Context, ec *Context) (Result, error) {
	return OK(fmt.Sprintf("noop %s/%s", ec.JobGroup, ec.JobName)), nil
}

func (Noop) ExecuteSharding(_ context.Context, _ *Context, shardIndex int, shardParam string) (Result, error) {
	return OK(fmt.Sprintf("noop shard %d [%s]", shardIndex, shardParam)), nil
}

func (Noop) Map(_ context.Context, _ *Context, shardIndex int, shardParam string) ([]string, error) {
	return []string{fmt.Sprintf("%d:%s", shardIndex, shardParam)}, nil
}

func (Noop) Reduce(_ context.Context, _ *Context, partials []string) (string, error) {
	return strings.Join(partials, ","), nil
}

// RegisterBuiltins installs the executors every deployment carries.
func RegisterBuiltins(r *Registry) {
	r.MustRegister("noop", Noop{})
}
