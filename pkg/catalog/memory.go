package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/shelfline/shelfline/pkg/model"
)

// MemoryGateway is an in-process Gateway with the same per-document
// atomicity guarantees as the server-backed implementation. It backs tests
// and degraded single-node deployments.
type MemoryGateway struct {
	mu   sync.RWMutex
	data map[string]map[string]map[string]any // collection -> id hex -> document.
}

// NewMemoryGateway creates an empty in-memory gateway.
func NewMemoryGateway() *MemoryGateway {
	return &MemoryGateway{data: make(map[string]map[string]map[string]any)}
}

// encodeDoc round-trips a value through JSON into a generic document.
func encodeDoc(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}

	var doc map[string]any

	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}

	return doc, nil
}

// decodeInto round-trips a generic value through JSON into out.
func decodeInto(v, out any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode result: %w", err)
	}

	return nil
}

// norm reduces a value to a canonical comparable form.
func norm(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}

	return string(raw)
}

// getPath resolves a dotted field path inside a document.
func getPath(doc map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")

	var cur any = doc

	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}

		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}

	return cur, true
}

// setPath writes a value at a dotted field path, creating intermediate maps.
func setPath(doc map[string]any, path string, value any) {
	parts := strings.Split(path, ".")
	cur := doc

	for _, p := range parts[:len(parts)-1] {
		next, ok := cur[p].(map[string]any)
		if !ok {
			next = make(map[string]any)
			cur[p] = next
		}

		cur = next
	}

	cur[parts[len(parts)-1]] = value
}

// numAt reads a numeric field, defaulting to zero.
func numAt(doc map[string]any, path string) float64 {
	v, ok := getPath(doc, path)
	if !ok {
		return 0
	}

	f, ok := v.(float64)
	if !ok {
		return 0
	}

	return f
}

// matches evaluates a filter against a document.
func matches(idHex string, doc map[string]any, filter Filter) bool {
	for field, want := range filter {
		var got any

		if field == "_id" || field == "id" {
			got = idHex
		} else {
			got, _ = getPath(doc, field)
		}

		switch w := want.(type) {
		case In:
			found := false

			for _, candidate := range w {
				if norm(got) == norm(candidate) {
					found = true

					break
				}
			}

			if !found {
				return false
			}
		case Ne:
			if norm(got) == norm(w.Value) {
				return false
			}
		default:
			if norm(got) != norm(want) {
				return false
			}
		}
	}

	return true
}

// compareValues orders two document values: numbers numerically, everything
// else by canonical JSON form.
func compareValues(a, b any) int {
	af, aok := a.(float64)

	bf, bok := b.(float64)
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

	return strings.Compare(norm(a), norm(b))
}

func (g *MemoryGateway) collection(coll string) map[string]map[string]any {
	c, ok := g.data[coll]
	if !ok {
		c = make(map[string]map[string]any)
		g.data[coll] = c
	}

	return c
}

// InsertOne implements Gateway.
func (g *MemoryGateway) InsertOne(_ context.Context, coll string, id model.ID, doc any) error {
	encoded, err := encodeDoc(doc)
	if err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	c := g.collection(coll)
	if _, exists := c[id.Hex()]; exists {
		return fmt.Errorf("%w: %s/%s", ErrDuplicate, coll, id.Hex())
	}

	c[id.Hex()] = encoded

	return nil
}

// FindByID implements Gateway.
func (g *MemoryGateway) FindByID(_ context.Context, coll string, id model.ID, out any) error {
	g.mu.RLock()
	doc, ok := g.data[coll][id.Hex()]
	g.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, coll, id.Hex())
	}

	return decodeInto(doc, out)
}

// FindOne implements Gateway.
func (g *MemoryGateway) FindOne(_ context.Context, coll string, filter Filter, out any) error {
	g.mu.RLock()
	defer g.mu.RUnlock()

	ids := sortedIDs(g.data[coll])

	for _, idHex := range ids {
		doc := g.data[coll][idHex]
		if matches(idHex, doc, filter) {
			return decodeInto(doc, out)
		}
	}

	return fmt.Errorf("%w: %s", ErrNotFound, coll)
}

// sortedIDs returns the collection's ids in stable order.
func sortedIDs(c map[string]map[string]any) []string {
	ids := make([]string, 0, len(c))
	for id := range c {
		ids = append(ids, id)
	}

	sort.Strings(ids)

	return ids
}

// FindPaged implements Gateway.
func (g *MemoryGateway) FindPaged(_ context.Context, coll string, filter Filter, sortBy Sort, skip, limit int64, out any) error {
	g.mu.RLock()

	type row struct {
		idHex string
		doc   map[string]any
	}

	var rows []row

	for _, idHex := range sortedIDs(g.data[coll]) {
		doc := g.data[coll][idHex]
		if matches(idHex, doc, filter) {
			rows = append(rows, row{idHex: idHex, doc: doc})
		}
	}

	g.mu.RUnlock()

	if sortBy.Field != "" {
		dir := 1
		if sortBy.Dir == Desc {
			dir = -1
		}

		sort.SliceStable(rows, func(i, j int) bool {
			a, _ := getPath(rows[i].doc, sortBy.Field)
			b, _ := getPath(rows[j].doc, sortBy.Field)

			cmp := compareValues(a, b)
			if cmp == 0 {
				// Stable tie-break on id, matching the index contract.
				cmp = strings.Compare(rows[i].idHex, rows[j].idHex)
			}

			return cmp*dir < 0
		})
	}

	if skip > 0 {
		if skip >= int64(len(rows)) {
			rows = nil
		} else {
			rows = rows[skip:]
		}
	}

	if limit > 0 && int64(len(rows)) > limit {
		rows = rows[:limit]
	}

	docs := make([]map[string]any, 0, len(rows))
	for _, r := range rows {
		docs = append(docs, r.doc)
	}

	return decodeInto(docs, out)
}

// Count implements Gateway.
func (g *MemoryGateway) Count(_ context.Context, coll string, filter Filter) (int64, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var n int64

	for idHex, doc := range g.data[coll] {
		if matches(idHex, doc, filter) {
			n++
		}
	}

	return n, nil
}

// IncFields implements Gateway.
func (g *MemoryGateway) IncFields(_ context.Context, coll string, id model.ID, fields map[string]int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	doc, ok := g.data[coll][id.Hex()]
	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, coll, id.Hex())
	}

	for field, delta := range fields {
		setPath(doc, field, numAt(doc, field)+float64(delta))
	}

	return nil
}

// IncFieldsClampedZero implements Gateway.
func (g *MemoryGateway) IncFieldsClampedZero(_ context.Context, coll string, id model.ID, fields map[string]int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	doc, ok := g.data[coll][id.Hex()]
	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, coll, id.Hex())
	}

	for field, delta := range fields {
		next := numAt(doc, field) + float64(delta)
		if next < 0 {
			next = 0
		}

		setPath(doc, field, next)
	}

	return nil
}

// SetFields implements Gateway.
func (g *MemoryGateway) SetFields(_ context.Context, coll string, id model.ID, fields map[string]any) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	doc, ok := g.data[coll][id.Hex()]
	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, coll, id.Hex())
	}

	for field, value := range fields {
		encoded, err := encodeValue(value)
		if err != nil {
			return err
		}

		setPath(doc, field, encoded)
	}

	return nil
}

// encodeValue round-trips a value through JSON so stored documents stay in
// generic form.
func encodeValue(v any) (any, error) {
	if v == nil {
		return nil, nil
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode value: %w", err)
	}

	var out any

	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode value: %w", err)
	}

	return out, nil
}

// PushToArray implements Gateway.
func (g *MemoryGateway) PushToArray(_ context.Context, coll string, id model.ID, field string, element any) error {
	encoded, err := encodeValue(element)
	if err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	doc, ok := g.data[coll][id.Hex()]
	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, coll, id.Hex())
	}

	arr, _ := getPath(doc, field)

	slice, _ := arr.([]any)
	setPath(doc, field, append(slice, encoded))

	return nil
}

// PullFromArray implements Gateway.
func (g *MemoryGateway) PullFromArray(_ context.Context, coll string, id model.ID, field string, match Filter) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	doc, ok := g.data[coll][id.Hex()]
	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, coll, id.Hex())
	}

	arr, _ := getPath(doc, field)

	slice, _ := arr.([]any)
	kept := make([]any, 0, len(slice))

	for _, el := range slice {
		m, isMap := el.(map[string]any)
		if isMap && matches("", m, match) {
			continue
		}

		kept = append(kept, el)
	}

	setPath(doc, field, kept)

	return nil
}

// AddToSetWithRecount implements Gateway.
func (g *MemoryGateway) AddToSetWithRecount(_ context.Context, coll string, id model.ID, setField, countField string, value any, inc map[string]int64) error {
	encoded, err := encodeValue(value)
	if err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	doc, ok := g.data[coll][id.Hex()]
	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, coll, id.Hex())
	}

	arr, _ := getPath(doc, setField)

	slice, _ := arr.([]any)
	present := false

	for _, el := range slice {
		if norm(el) == norm(encoded) {
			present = true

			break
		}
	}

	if !present {
		slice = append(slice, encoded)
	}

	setPath(doc, setField, slice)
	setPath(doc, countField, float64(len(slice)))

	for field, delta := range inc {
		setPath(doc, field, numAt(doc, field)+float64(delta))
	}

	return nil
}

// DeleteOne implements Gateway.
func (g *MemoryGateway) DeleteOne(_ context.Context, coll string, id model.ID) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	c, ok := g.data[coll]
	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, coll, id.Hex())
	}

	if _, exists := c[id.Hex()]; !exists {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, coll, id.Hex())
	}

	delete(c, id.Hex())

	return nil
}
