package stream

import (
	"context"
	"sync"

	"tapeflow/internal/domain/marketdata"
	"tapeflow/pkg/logger"
)

// Registry routes feed callbacks to per-symbol engines. It implements
// the binance stream Handler once bound to a context.
type Registry struct {
	mu      sync.RWMutex
	engines map[string]*Engine
	ctx     context.Context
	log     *logger.Logger
}

func NewRegistry() *Registry {
	return &Registry{
		engines: make(map[string]*Engine),
		ctx:     context.Background(),
		log:     logger.Get().With("component", "registry"),
	}
}

// Bind stores the context used for downstream publishes. Call before
// handing the registry to the feed.
func (r *Registry) Bind(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ctx = ctx
}

// Add registers an engine under its symbol, replacing any previous one.
func (r *Registry) Add(symbol string, engine *Engine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.engines[symbol] = engine
}

// Remove unregisters a symbol's engine. In-flight calls on other
// goroutines finish against the removed engine.
func (r *Registry) Remove(symbol string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.engines, symbol)
}

// Get returns the engine for a symbol, or nil when none is registered.
func (r *Registry) Get(symbol string) *Engine {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.engines[symbol]
}

// Symbols lists the registered symbols.
func (r *Registry) Symbols() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	symbols := make([]string, 0, len(r.engines))
	for symbol := range r.engines {
		symbols = append(symbols, symbol)
	}
	return symbols
}

// Each calls fn for every registered engine.
func (r *Registry) Each(fn func(symbol string, engine *Engine)) {
	r.mu.RLock()
	snapshot := make(map[string]*Engine, len(r.engines))
	for symbol, engine := range r.engines {
		snapshot[symbol] = engine
	}
	r.mu.RUnlock()

	for symbol, engine := range snapshot {
		fn(symbol, engine)
	}
}

// OnTrade implements the feed handler.
func (r *Registry) OnTrade(symbol string, tick marketdata.TradeTick) {
	r.mu.RLock()
	engine := r.engines[symbol]
	ctx := r.ctx
	r.mu.RUnlock()

	if engine == nil {
		r.log.Debugw("Trade for unregistered symbol dropped", "symbol", symbol)
		return
	}
	engine.ProcessTrade(ctx, tick)
}

// OnDepth implements the feed handler.
func (r *Registry) OnDepth(symbol string, snapshot marketdata.OrderbookSnapshot) {
	r.mu.RLock()
	engine := r.engines[symbol]
	ctx := r.ctx
	r.mu.RUnlock()

	if engine == nil {
		r.log.Debugw("Depth for unregistered symbol dropped", "symbol", symbol)
		return
	}
	engine.ProcessDepth(ctx, snapshot)
}
