package pricing

import (
	"context"
	"fmt"
	"sync"
)

// Func is a dynamic pricing function. It receives the request material and
// returns a price: a price string, or a numeric dollar amount.
type Func func(ctx context.Context, vars *Vars) (any, error)

var (
	fnMu  sync.RWMutex
	funcs = map[string]Func{}
)

// RegisterFunc registers a dynamic pricing function under name. Config
// references it as price: {fn: name}. Registering a name twice panics.
func RegisterFunc(name string, fn Func) {
	fnMu.Lock()
	defer fnMu.Unlock()
	if _, dup := funcs[name]; dup {
		panic(fmt.Sprintf("pricing: RegisterFunc called twice for %q", name))
	}
	funcs[name] = fn
}

func lookupFunc(name string) (Func, bool) {
	fnMu.RLock()
	defer fnMu.RUnlock()
	fn, ok := funcs[name]
	return fn, ok
}
