// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package dataexecutor

import (
	"log/slog"
	"runtime"
	"time"
)

// Config holds the construction-time configuration shared by workers and
// pools. There is no module-level state: everything a context needs is passed
// in here.
type Config struct {
	workerName    string
	poolSize      int
	taskTimeout   time.Duration
	autoRestart   bool
	engineFactory EngineFactory
	operations    map[OpType]bool
	logger        *slog.Logger
}

// Option configures a worker or pool at construction.
type Option func(*Config)

func newConfig(opts ...Option) *Config {
	cfg := &Config{
		workerName:    "worker-1",
		poolSize:      runtime.GOMAXPROCS(0), // Default to CPU count
		taskTimeout:   30 * time.Second,      // Finite by default, never infinite
		engineFactory: NewCatalogEngine,
		logger:        slog.Default(),
	}
	cfg.operations = make(map[OpType]bool)
	for _, op := range CatalogOperations() {
		cfg.operations[op] = true
	}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// WithPoolSize sets the fixed number of workers. The value is validated by
// NewPool: anything below 1 is a configuration error.
func WithPoolSize(size int) Option {
	return func(cfg *Config) {
		cfg.poolSize = size
	}
}

// WithWorkerName names a directly constructed worker.
func WithWorkerName(name string) Option {
	return func(cfg *Config) {
		if name != "" {
			cfg.workerName = name
		}
	}
}

// WithTaskTimeout sets the per-call response deadline.
func WithTaskTimeout(timeout time.Duration) Option {
	return func(cfg *Config) {
		if timeout > 0 {
			cfg.taskTimeout = timeout
		}
	}
}

// WithAutoRestart recreates a worker's engine after a panic. The request that
// crashed is still failed; it is never retried automatically.
func WithAutoRestart(enabled bool) Option {
	return func(cfg *Config) {
		cfg.autoRestart = enabled
	}
}

// WithEngine sets the engine factory. The default is the built-in catalog.
func WithEngine(factory EngineFactory) Option {
	return func(cfg *Config) {
		if factory != nil {
			cfg.engineFactory = factory
		}
	}
}

// WithOperations sets the operation set callers may post. Use it together
// with WithEngine when the engine serves operations outside the built-in
// catalog.
func WithOperations(ops ...OpType) Option {
	return func(cfg *Config) {
		if len(ops) == 0 {
			return
		}
		cfg.operations = make(map[OpType]bool, len(ops))
		for _, op := range ops {
			cfg.operations[op] = true
		}
	}
}

// WithLogger configures the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *Config) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// Typed wrappers over Execute for the built-in catalog.

// Filter returns the items matching the where conditions.
func (p *Pool) Filter(items []Row, where map[string]any) ([]Row, error) {
	var out []Row
	if err := p.ExecuteInto(OpFilter, &FilterParams{Items: items, Where: where}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Sort returns the items stably ordered by field; order is "asc" or "desc".
func (p *Pool) Sort(items []Row, field, order string) ([]Row, error) {
	var out []Row
	if err := p.ExecuteInto(OpSort, &SortParams{Items: items, Field: field, Order: order}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Aggregate computes the named reductions, keyed "<field>_<type>".
func (p *Pool) Aggregate(items []Row, operations []AggregateOp) (map[string]any, error) {
	var out map[string]any
	if err := p.ExecuteInto(OpAggregate, &AggregateParams{Items: items, Operations: operations}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Group partitions items by groupBy in first-seen key order, optionally
// aggregating each group.
func (p *Pool) Group(items []Row, groupBy string, aggregateOps []AggregateOp) ([]GroupResult, error) {
	var out []GroupResult
	params := &GroupParams{Items: items, GroupBy: groupBy, AggregateOps: aggregateOps}
	if err := p.ExecuteInto(OpGroup, params, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Search matches query against the given fields; all fields when none are
// given, fuzzy subsequence matching when fuzzy is set.
func (p *Pool) Search(items []Row, query string, fields []string, fuzzy bool) ([]Row, error) {
	var out []Row
	params := &SearchParams{Items: items, Query: query, Fields: fields, Fuzzy: fuzzy}
	if err := p.ExecuteInto(OpSearch, params, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Paginate returns the 1-indexed page of items.
func (p *Pool) Paginate(items []Row, page, pageSize int) (*PaginateResult, error) {
	out := &PaginateResult{}
	params := &PaginateParams{Items: items, Page: page, PageSize: pageSize}
	if err := p.ExecuteInto(OpPaginate, params, out); err != nil {
		return nil, err
	}
	return out, nil
}

// MarketFilter filters market rows by sector and numeric bounds.
func (p *Pool) MarketFilter(params MarketFilterParams) ([]Row, error) {
	var out []Row
	if err := p.ExecuteInto(OpMarketFilter, &params, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// MarketSort orders market rows by a schema field.
func (p *Pool) MarketSort(items []Row, field, order string) ([]Row, error) {
	var out []Row
	if err := p.ExecuteInto(OpMarketSort, &SortParams{Items: items, Field: field, Order: order}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// MarketAggregate computes reductions over the numeric market schema fields.
func (p *Pool) MarketAggregate(items []Row, operations []AggregateOp) (map[string]any, error) {
	var out map[string]any
	if err := p.ExecuteInto(OpMarketAggregate, &AggregateParams{Items: items, Operations: operations}, &out); err != nil {
		return nil, err
	}
	return out, nil
}
