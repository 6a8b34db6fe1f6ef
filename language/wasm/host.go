package wasm

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/codename/focuscript/api"
	"github.com/codename/focuscript/hostfunc"
	"github.com/codename/focuscript/unit"
	"github.com/tetratelabs/wazero"
	wazapi "github.com/tetratelabs/wazero/api"
)

type callKey struct{}

// callState carries one invocation's registry into host functions and
// records the first host error, which wazero would otherwise flatten into
// a generic trap.
type callState struct {
	caps *hostfunc.Registry

	mu  sync.Mutex
	err error
}

func stateFrom(ctx context.Context) *callState {
	st, ok := ctx.Value(callKey{}).(*callState)
	if !ok {
		panic(errors.New("host function called outside an invocation"))
	}
	return st
}

func (st *callState) fail(err error) {
	st.mu.Lock()
	if st.err == nil {
		st.err = err
	}
	st.mu.Unlock()
	panic(err)
}

func (st *callState) call(ctx context.Context, name string, args ...any) any {
	res, err := st.caps.Call(ctx, name, args)
	if err != nil {
		st.fail(fmt.Errorf("%s: %w", name, err))
	}
	return res
}

func (st *callState) convert(ctx context.Context, err error) error {
	st.mu.Lock()
	hostErr := st.err
	st.mu.Unlock()

	switch {
	case hostErr != nil:
		return &unit.ScriptError{Name: "host", Message: hostErr.Error(), Cause: hostErr}
	case ctx.Err() != nil:
		return fmt.Errorf("%w: %v", unit.ErrInterrupted, ctx.Err())
	default:
		return &unit.ScriptError{Name: "trap", Message: err.Error(), Runtime: true}
	}
}

func instantiateHost(ctx context.Context, rt wazero.Runtime) error {
	_, err := rt.NewHostModuleBuilder(api.WasmModule).
		NewFunctionBuilder().WithFunc(hostLog("log.info")).Export("log_info").
		NewFunctionBuilder().WithFunc(hostLog("log.warn")).Export("log_warn").
		NewFunctionBuilder().WithFunc(func(ctx context.Context) int64 {
			st := stateFrom(ctx)
			switch v := st.call(ctx, "clock.now").(type) {
			case int64:
				return v
			case int:
				return int64(v)
			default:
				st.fail(fmt.Errorf("clock.now: %w: unexpected %T", hostfunc.ErrBadArgument, v))
				return 0
			}
		}).Export("now_millis").
		NewFunctionBuilder().WithFunc(func(ctx context.Context) int32 {
			st := stateFrom(ctx)
			switch v := st.call(ctx, "server.playerCount").(type) {
			case int:
				return int32(v)
			case int64:
				return int32(v)
			default:
				st.fail(fmt.Errorf("server.playerCount: %w: unexpected %T", hostfunc.ErrBadArgument, v))
				return 0
			}
		}).Export("player_count").
		Instantiate(ctx)
	return err
}

func hostLog(name string) func(ctx context.Context, m wazapi.Module, ptr, size uint32) {
	return func(ctx context.Context, m wazapi.Module, ptr, size uint32) {
		st := stateFrom(ctx)
		mem := m.Memory()
		if mem == nil {
			st.fail(fmt.Errorf("%s: %w: module has no memory", name, hostfunc.ErrBadArgument))
		}
		buf, ok := mem.Read(ptr, size)
		if !ok {
			st.fail(fmt.Errorf("%s: %w: range [%d, %d) out of memory bounds", name, hostfunc.ErrBadArgument, ptr, uint64(ptr)+uint64(size)))
		}
		st.call(ctx, name, string(buf))
	}
}
