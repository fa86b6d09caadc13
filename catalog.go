// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package dataexecutor

import (
	"fmt"
	"sort"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// OpType identifies an operation in the catalog. The set is closed: a worker
// validates the type against its configured operation set before the request
// crosses the boundary, so unknown operations fail without a round trip.
type OpType string

const (
	OpFilter          OpType = "filter"
	OpSort            OpType = "sort"
	OpAggregate       OpType = "aggregate"
	OpGroup           OpType = "group"
	OpSearch          OpType = "search"
	OpPaginate        OpType = "paginate"
	OpMarketFilter    OpType = "marketFilter"
	OpMarketSort      OpType = "marketSort"
	OpMarketAggregate OpType = "marketAggregate"
)

// CatalogOperations returns the operation set of the built-in catalog engine.
func CatalogOperations() []OpType {
	return []OpType{
		OpFilter, OpSort, OpAggregate, OpGroup, OpSearch, OpPaginate,
		OpMarketFilter, OpMarketSort, OpMarketAggregate,
	}
}

// Row is a single data record as it exists inside a worker context.
type Row = map[string]any

// FilterParams selects the subsequence of items matching Where. Each entry of
// Where maps a field to a condition: either a bare value (equality) or a
// Condition. Items that do not carry a predicate field pass through.
type FilterParams struct {
	Items []Row          `msgpack:"items"`
	Where map[string]any `msgpack:"where"`
}

// Condition is an explicit filter condition. Op is one of eq, neq, gt, gte,
// lt, lte, contains, in.
type Condition struct {
	Op    string `msgpack:"op"`
	Value any    `msgpack:"value"`
}

// SortParams orders items by a single field. Order is "asc" or "desc"; the
// sort is stable in both directions.
type SortParams struct {
	Items []Row  `msgpack:"items"`
	Field string `msgpack:"field"`
	Order string `msgpack:"order"`
}

// AggregateOp names one reduction over one field. Type is one of sum, count,
// avg, min, max, median, std.
type AggregateOp struct {
	Type  string `msgpack:"type"`
	Field string `msgpack:"field"`
}

// AggregateParams computes the named reductions. Results are keyed
// "<field>_<type>".
type AggregateParams struct {
	Items      []Row         `msgpack:"items"`
	Operations []AggregateOp `msgpack:"operations"`
}

// GroupParams partitions items by GroupBy, preserving first-seen key order,
// optionally aggregating each group.
type GroupParams struct {
	Items        []Row         `msgpack:"items"`
	GroupBy      string        `msgpack:"groupBy"`
	AggregateOps []AggregateOp `msgpack:"aggregateOps,omitempty"`
}

// GroupResult is one partition of a group operation.
type GroupResult struct {
	Key        any            `msgpack:"key"`
	Items      []Row          `msgpack:"items"`
	Aggregates map[string]any `msgpack:"aggregates,omitempty"`
}

// SearchParams matches Query against the given fields, case-insensitively.
// An empty query passes all items; an empty field list searches every field.
type SearchParams struct {
	Items  []Row    `msgpack:"items"`
	Query  string   `msgpack:"query"`
	Fields []string `msgpack:"fields,omitempty"`
	Fuzzy  bool     `msgpack:"fuzzy,omitempty"`
}

// PaginateParams slices items into a 1-indexed page.
type PaginateParams struct {
	Items    []Row `msgpack:"items"`
	Page     int   `msgpack:"page"`
	PageSize int   `msgpack:"pageSize"`
}

// PaginateResult is the page slice plus its bookkeeping. A page beyond the
// end yields empty Items and HasMore=false rather than an error.
type PaginateResult struct {
	Items    []Row `msgpack:"items"`
	Page     int   `msgpack:"page"`
	PageSize int   `msgpack:"pageSize"`
	Total    int   `msgpack:"total"`
	HasMore  bool  `msgpack:"hasMore"`
}

// MarketFilterParams is the filter primitive specialized to the market row
// schema. Nil bounds are not applied.
type MarketFilterParams struct {
	Items            []Row    `msgpack:"items"`
	Sectors          []string `msgpack:"sectors,omitempty"`
	MinPrice         *float64 `msgpack:"minPrice,omitempty"`
	MaxPrice         *float64 `msgpack:"maxPrice,omitempty"`
	MinVolume        *float64 `msgpack:"minVolume,omitempty"`
	MinChangePercent *float64 `msgpack:"minChangePercent,omitempty"`
	MaxChangePercent *float64 `msgpack:"maxChangePercent,omitempty"`
}

// Market row schema fields.
const (
	MarketFieldSymbol        = "symbol"
	MarketFieldName          = "name"
	MarketFieldPrice         = "price"
	MarketFieldChange        = "change"
	MarketFieldChangePercent = "changePercent"
	MarketFieldVolume        = "volume"
	MarketFieldMarketCap     = "marketCap"
	MarketFieldSector        = "sector"
)

var marketSortFields = map[string]bool{
	MarketFieldSymbol: true, MarketFieldName: true, MarketFieldPrice: true,
	MarketFieldChange: true, MarketFieldChangePercent: true,
	MarketFieldVolume: true, MarketFieldMarketCap: true, MarketFieldSector: true,
}

var marketNumericFields = map[string]bool{
	MarketFieldPrice: true, MarketFieldChange: true,
	MarketFieldChangePercent: true, MarketFieldVolume: true,
	MarketFieldMarketCap: true,
}

// CatalogEngine executes the built-in data operations. All operations are
// pure: they return new collections and never mutate their input rows.
type CatalogEngine struct{}

// NewCatalogEngine is the default EngineFactory.
func NewCatalogEngine() (Engine, error) {
	return &CatalogEngine{}, nil
}

func (e *CatalogEngine) Close() error { return nil }

// Execute dispatches a request to the matching catalog operation.
func (e *CatalogEngine) Execute(req *TaskRequest) (*TaskResponse, error) {
	result, err := e.dispatch(req)
	if err != nil {
		return nil, err
	}
	raw, err := msgpack.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return &TaskResponse{Id: req.Id, Result: raw}, nil
}

func (e *CatalogEngine) dispatch(req *TaskRequest) (any, error) {
	switch OpType(req.Type) {
	case OpFilter:
		var p FilterParams
		if err := decodeParams(req.Data, &p); err != nil {
			return nil, err
		}
		return applyFilter(p.Items, p.Where), nil
	case OpSort:
		var p SortParams
		if err := decodeParams(req.Data, &p); err != nil {
			return nil, err
		}
		return applySort(p.Items, p.Field, p.Order), nil
	case OpAggregate:
		var p AggregateParams
		if err := decodeParams(req.Data, &p); err != nil {
			return nil, err
		}
		return applyAggregate(p.Items, p.Operations)
	case OpGroup:
		var p GroupParams
		if err := decodeParams(req.Data, &p); err != nil {
			return nil, err
		}
		return applyGroup(p.Items, p.GroupBy, p.AggregateOps)
	case OpSearch:
		var p SearchParams
		if err := decodeParams(req.Data, &p); err != nil {
			return nil, err
		}
		return applySearch(p.Items, p.Query, p.Fields, p.Fuzzy), nil
	case OpPaginate:
		var p PaginateParams
		if err := decodeParams(req.Data, &p); err != nil {
			return nil, err
		}
		return applyPaginate(p.Items, p.Page, p.PageSize), nil
	case OpMarketFilter:
		var p MarketFilterParams
		if err := decodeParams(req.Data, &p); err != nil {
			return nil, err
		}
		return applyMarketFilter(p), nil
	case OpMarketSort:
		var p SortParams
		if err := decodeParams(req.Data, &p); err != nil {
			return nil, err
		}
		if p.Field != "" && !marketSortFields[p.Field] {
			return nil, fmt.Errorf("unknown market field %q", p.Field)
		}
		if p.Field == "" {
			p.Field = MarketFieldSymbol
		}
		return applySort(p.Items, p.Field, p.Order), nil
	case OpMarketAggregate:
		var p AggregateParams
		if err := decodeParams(req.Data, &p); err != nil {
			return nil, err
		}
		for _, op := range p.Operations {
			if !marketNumericFields[op.Field] {
				return nil, fmt.Errorf("unknown market field %q", op.Field)
			}
		}
		return applyAggregate(p.Items, p.Operations)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedOperation, req.Type)
	}
}

func decodeParams(data msgpack.RawMessage, dst any) error {
	if err := msgpack.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return nil
}

func applyFilter(items []Row, where map[string]any) []Row {
	if len(where) == 0 {
		return items
	}
	out := make([]Row, 0, len(items))
	for _, item := range items {
		if matchWhere(item, where) {
			out = append(out, item)
		}
	}
	return out
}

func matchWhere(item Row, where map[string]any) bool {
	for field, cond := range where {
		val, ok := item[field]
		if !ok {
			// A predicate on a field the item does not carry is a no-op.
			continue
		}
		if !matchCondition(val, cond) {
			return false
		}
	}
	return true
}

// matchCondition evaluates one condition against one value. Conditions decode
// from the wire as either a bare value or a {op, value} map.
func matchCondition(val any, cond any) bool {
	op := "eq"
	want := cond
	if m, ok := cond.(map[string]any); ok {
		if rawOp, exists := m["op"]; exists {
			op, _ = rawOp.(string)
			want = m["value"]
		}
	}

	switch op {
	case "eq":
		return compareValues(val, want) == 0
	case "neq":
		return compareValues(val, want) != 0
	case "gt":
		return compareValues(val, want) > 0
	case "gte":
		return compareValues(val, want) >= 0
	case "lt":
		return compareValues(val, want) < 0
	case "lte":
		return compareValues(val, want) <= 0
	case "contains":
		s, sok := stringValue(val)
		sub, wok := stringValue(want)
		return sok && wok && strings.Contains(strings.ToLower(s), strings.ToLower(sub))
	case "in":
		set, ok := want.([]any)
		if !ok {
			return false
		}
		for _, candidate := range set {
			if compareValues(val, candidate) == 0 {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// applySort returns a stably sorted copy; the input order is preserved among
// equal keys in both directions.
func applySort(items []Row, field, order string) []Row {
	out := make([]Row, len(items))
	copy(out, items)
	desc := strings.EqualFold(order, "desc")
	sort.SliceStable(out, func(i, j int) bool {
		c := compareValues(out[i][field], out[j][field])
		if desc {
			return c > 0
		}
		return c < 0
	})
	return out
}

func applyAggregate(items []Row, ops []AggregateOp) (map[string]any, error) {
	result := make(map[string]any, len(ops))
	for _, op := range ops {
		key := op.Field + "_" + op.Type
		switch op.Type {
		case "count":
			n := 0
			for _, item := range items {
				if _, ok := item[op.Field]; ok {
					n++
				}
			}
			result[key] = n
		case "sum", "avg", "min", "max", "median", "std":
			values := numericColumn(items, op.Field)
			result[key] = reduce(op.Type, values)
		default:
			return nil, fmt.Errorf("%w: aggregate %q", ErrUnsupportedOperation, op.Type)
		}
	}
	return result, nil
}

func numericColumn(items []Row, field string) []float64 {
	values := make([]float64, 0, len(items))
	for _, item := range items {
		if f, ok := asFloat(item[field]); ok {
			values = append(values, f)
		}
	}
	return values
}

func reduce(op string, values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	switch op {
	case "sum":
		return floats.Sum(values)
	case "avg":
		return stat.Mean(values, nil)
	case "min":
		return floats.Min(values)
	case "max":
		return floats.Max(values)
	case "median":
		sorted := make([]float64, len(values))
		copy(sorted, values)
		sort.Float64s(sorted)
		return stat.Quantile(0.5, stat.Empirical, sorted, nil)
	case "std":
		if len(values) < 2 {
			return 0
		}
		return stat.StdDev(values, nil)
	}
	return 0
}

func applyGroup(items []Row, groupBy string, aggOps []AggregateOp) ([]GroupResult, error) {
	var order []string
	groups := make(map[string]*GroupResult)
	for _, item := range items {
		val := item[groupBy]
		key := fmt.Sprint(val)
		g, ok := groups[key]
		if !ok {
			g = &GroupResult{Key: val}
			groups[key] = g
			order = append(order, key)
		}
		g.Items = append(g.Items, item)
	}

	out := make([]GroupResult, 0, len(order))
	for _, key := range order {
		g := groups[key]
		if len(aggOps) > 0 {
			aggs, err := applyAggregate(g.Items, aggOps)
			if err != nil {
				return nil, err
			}
			g.Aggregates = aggs
		}
		out = append(out, *g)
	}
	return out, nil
}

func applySearch(items []Row, query string, fields []string, fuzzy bool) []Row {
	if query == "" {
		return items
	}
	needle := strings.ToLower(query)
	out := make([]Row, 0, len(items))
	for _, item := range items {
		if searchItem(item, needle, fields, fuzzy) {
			out = append(out, item)
		}
	}
	return out
}

func searchItem(item Row, needle string, fields []string, fuzzy bool) bool {
	if len(fields) == 0 {
		for _, val := range item {
			if searchValue(val, needle, fuzzy) {
				return true
			}
		}
		return false
	}
	for _, field := range fields {
		if searchValue(item[field], needle, fuzzy) {
			return true
		}
	}
	return false
}

func searchValue(val any, needle string, fuzzy bool) bool {
	s, ok := stringValue(val)
	if !ok {
		return false
	}
	s = strings.ToLower(s)
	if fuzzy {
		return fuzzyMatch(s, needle)
	}
	return strings.Contains(s, needle)
}

// fuzzyMatch reports whether needle occurs in s as a subsequence.
func fuzzyMatch(s, needle string) bool {
	want := []rune(needle)
	i := 0
	for _, r := range s {
		if i < len(want) && r == want[i] {
			i++
		}
	}
	return i == len(want)
}

func applyPaginate(items []Row, page, pageSize int) *PaginateResult {
	result := &PaginateResult{
		Items:    []Row{},
		Page:     page,
		PageSize: pageSize,
		Total:    len(items),
	}
	if page < 1 || pageSize < 1 {
		return result
	}
	start := (page - 1) * pageSize
	if start >= len(items) {
		return result
	}
	end := start + pageSize
	if end > len(items) {
		end = len(items)
	}
	result.Items = items[start:end]
	result.HasMore = end < len(items)
	return result
}

func applyMarketFilter(p MarketFilterParams) []Row {
	out := make([]Row, 0, len(p.Items))
	for _, item := range p.Items {
		if !matchSector(item, p.Sectors) {
			continue
		}
		if !withinBounds(item, MarketFieldPrice, p.MinPrice, p.MaxPrice) {
			continue
		}
		if !withinBounds(item, MarketFieldVolume, p.MinVolume, nil) {
			continue
		}
		if !withinBounds(item, MarketFieldChangePercent, p.MinChangePercent, p.MaxChangePercent) {
			continue
		}
		out = append(out, item)
	}
	return out
}

func matchSector(item Row, sectors []string) bool {
	if len(sectors) == 0 {
		return true
	}
	s, ok := stringValue(item[MarketFieldSector])
	if !ok {
		return false
	}
	for _, sector := range sectors {
		if strings.EqualFold(s, sector) {
			return true
		}
	}
	return false
}

func withinBounds(item Row, field string, min, max *float64) bool {
	if min == nil && max == nil {
		return true
	}
	f, ok := asFloat(item[field])
	if !ok {
		return false
	}
	if min != nil && f < *min {
		return false
	}
	if max != nil && f > *max {
		return false
	}
	return true
}

// asFloat normalizes the numeric types msgpack produces when decoding into
// untyped rows.
func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

func stringValue(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case fmt.Stringer:
		return s.String(), true
	}
	if f, ok := asFloat(v); ok {
		return fmt.Sprint(f), true
	}
	if b, ok := v.(bool); ok {
		return fmt.Sprint(b), true
	}
	return "", false
}

// compareValues orders two untyped values: numerically when both sides are
// numeric, lexically for strings, false<true for bools. Nil sorts first;
// values of unrelated types fall back to their string forms.
func compareValues(a, b any) int {
	if a == nil || b == nil {
		switch {
		case a == nil && b == nil:
			return 0
		case a == nil:
			return -1
		default:
			return 1
		}
	}
	af, aok := asFloat(a)
	bf, bok := asFloat(b)
	if aok && bok {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return strings.Compare(as, bs)
	}
	ab, aok := a.(bool)
	bb, bok := b.(bool)
	if aok && bok {
		switch {
		case ab == bb:
			return 0
		case !ab:
			return -1
		default:
			return 1
		}
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}
