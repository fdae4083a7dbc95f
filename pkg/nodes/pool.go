package nodes

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dop251/goja"
)

// PoolConfig sizes the JavaScript VM pool.
type PoolConfig struct {
	// MaxSize bounds the number of live VMs. Callers beyond it wait.
	MaxSize int
	// MaxReuse recycles a VM after this many runs. Script globals are cleared
	// on every release; changes to built-in objects survive until recycling.
	MaxReuse int
	// MaxCallStack bounds script recursion.
	MaxCallStack int
}

// DefaultPoolConfig returns the default pool configuration.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{MaxSize: 16, MaxReuse: 500, MaxCallStack: 1024}
}

// VMPool hands out sandboxed goja runtimes.
type VMPool struct {
	cfg     PoolConfig
	idle    chan *pooledVM
	size    int32
	created int64

	mu     sync.Mutex
	closed bool
}

type pooledVM struct {
	vm   *goja.Runtime
	uses int
	// builtin holds the global names present right after creation.
	builtin map[string]struct{}
}

// reset deletes every global a script added. It reports false when one could
// not be removed, in which case the VM must not be reused.
func (v *pooledVM) reset() bool {
	global := v.vm.GlobalObject()
	for _, name := range global.GetOwnPropertyNames() {
		if _, ok := v.builtin[name]; ok {
			continue
		}
		if err := global.Delete(name); err != nil {
			return false
		}
	}
	return true
}

// NewVMPool creates an empty pool; VMs are created on demand.
func NewVMPool(cfg PoolConfig) *VMPool {
	def := DefaultPoolConfig()
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = def.MaxSize
	}
	if cfg.MaxReuse <= 0 {
		cfg.MaxReuse = def.MaxReuse
	}
	if cfg.MaxCallStack <= 0 {
		cfg.MaxCallStack = def.MaxCallStack
	}
	return &VMPool{cfg: cfg, idle: make(chan *pooledVM, cfg.MaxSize)}
}

// Acquire returns an idle VM, creates one while below MaxSize, or waits.
func (p *VMPool) Acquire(ctx context.Context) (*pooledVM, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("vm pool is closed")
	}

	select {
	case vm := <-p.idle:
		return vm, nil
	default:
	}

	for {
		n := atomic.LoadInt32(&p.size)
		if int(n) >= p.cfg.MaxSize {
			break
		}
		if atomic.CompareAndSwapInt32(&p.size, n, n+1) {
			return p.create(), nil
		}
	}

	select {
	case vm := <-p.idle:
		return vm, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Release clears the globals the last script added and returns vm to the
// pool. It is retired after MaxReuse runs or when its globals cannot be cleared.
func (p *VMPool) Release(vm *pooledVM) {
	vm.vm.ClearInterrupt()
	vm.uses++
	if vm.uses >= p.cfg.MaxReuse || !vm.reset() {
		vm = p.create()
	}
	select {
	case p.idle <- vm:
	default:
		atomic.AddInt32(&p.size, -1)
	}
}

// Created reports how many VMs were built over the pool's lifetime.
func (p *VMPool) Created() int64 { return atomic.LoadInt64(&p.created) }

// Close stops handing out VMs.
func (p *VMPool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}

func (p *VMPool) create() *pooledVM {
	atomic.AddInt64(&p.created, 1)
	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	vm.SetMaxCallStackSize(p.cfg.MaxCallStack)
	sandbox(vm)
	builtin := make(map[string]struct{})
	for _, name := range vm.GlobalObject().GetOwnPropertyNames() {
		builtin[name] = struct{}{}
	}
	return &pooledVM{vm: vm, builtin: builtin}
}

// sandbox removes host-access globals and disables eval.
func sandbox(vm *goja.Runtime) {
	for _, name := range []string{"require", "module", "exports", "process", "global", "Buffer", "setImmediate", "clearImmediate"} {
		_ = vm.Set(name, goja.Undefined())
	}
	_ = vm.Set("eval", func(goja.FunctionCall) goja.Value {
		panic(vm.NewTypeError("eval is not allowed"))
	})
}
