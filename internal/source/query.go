package source

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Apply filters, orders and limits docs according to q. Documents outside
// q.Collection are dropped. Ties on the order field are broken by path so
// the result is deterministic.
func Apply(docs []Document, q Query) ([]Document, error) {
	type row struct {
		doc    Document
		fields map[string]json.RawMessage
	}

	rows := make([]row, 0, len(docs))
	for _, d := range docs {
		if !InCollection(d.Path, q.Collection) {
			continue
		}
		fields, err := decodeFields(d.Data)
		if err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", d.Path, err)
		}
		ok, err := matches(fields, q.Filters)
		if err != nil {
			return nil, err
		}
		if ok {
			rows = append(rows, row{doc: d, fields: fields})
		}
	}

	sort.SliceStable(rows, func(i, j int) bool {
		c := 0
		if q.OrderBy != "" {
			c = compareRaw(rows[i].fields[q.OrderBy], rows[j].fields[q.OrderBy])
		}
		if c == 0 {
			c = compareStrings(rows[i].doc.Path, rows[j].doc.Path)
		}
		if q.Descending {
			return c > 0
		}
		return c < 0
	})

	if q.Limit > 0 && len(rows) > q.Limit {
		rows = rows[:q.Limit]
	}

	out := make([]Document, len(rows))
	for i, r := range rows {
		out[i] = r.doc
	}
	return out, nil
}

// Matches reports whether a document satisfies every filter.
func Matches(d Document, filters []Filter) (bool, error) {
	if len(filters) == 0 {
		return true, nil
	}
	fields, err := decodeFields(d.Data)
	if err != nil {
		return false, err
	}
	return matches(fields, filters)
}

func decodeFields(data json.RawMessage) (map[string]json.RawMessage, error) {
	fields := make(map[string]json.RawMessage)
	if len(data) == 0 {
		return fields, nil
	}
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	return fields, nil
}

func matches(fields map[string]json.RawMessage, filters []Filter) (bool, error) {
	for _, f := range filters {
		want, err := json.Marshal(f.Value)
		if err != nil {
			return false, fmt.Errorf("invalid filter value for %s: %w", f.Field, err)
		}
		got, ok := fields[f.Field]
		if !ok {
			return false, nil
		}

		switch f.Op {
		case OpArrayContains:
			var items []json.RawMessage
			if err := json.Unmarshal(got, &items); err != nil {
				return false, nil
			}
			found := false
			for _, item := range items {
				if bytes.Equal(compact(item), want) {
					found = true
					break
				}
			}
			if !found {
				return false, nil
			}
		default:
			if !bytes.Equal(compact(got), want) {
				return false, nil
			}
		}
	}
	return true, nil
}

func compact(raw json.RawMessage) []byte {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return raw
	}
	return buf.Bytes()
}

// compareRaw orders JSON scalars: numbers numerically, strings and
// booleans lexically, missing values first.
func compareRaw(a, b json.RawMessage) int {
	var va, vb any
	if len(a) > 0 {
		_ = json.Unmarshal(a, &va)
	}
	if len(b) > 0 {
		_ = json.Unmarshal(b, &vb)
	}

	switch x := va.(type) {
	case float64:
		if y, ok := vb.(float64); ok {
			switch {
			case x < y:
				return -1
			case x > y:
				return 1
			}
			return 0
		}
	case string:
		if y, ok := vb.(string); ok {
			return compareStrings(x, y)
		}
	case nil:
		if vb == nil {
			return 0
		}
		return -1
	}
	if vb == nil {
		return 1
	}
	return compareStrings(fmt.Sprint(va), fmt.Sprint(vb))
}

func compareStrings(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
