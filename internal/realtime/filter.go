package realtime

import (
	"fmt"
	"strconv"
	"strings"
)

// Filter is a parsed PostgREST-style row filter: "column=operator.value"
// (e.g., "store_id=eq.42").
type Filter struct {
	Column   string
	Operator string
	Value    string
}

var filterOperators = map[string]bool{
	"eq": true, "neq": true, "gt": true, "gte": true, "lt": true, "lte": true, "in": true,
}

// ParseFilter parses a filter string.
func ParseFilter(s string) (Filter, error) {
	column, opValue, ok := strings.Cut(s, "=")
	if !ok || column == "" {
		return Filter{}, fmt.Errorf("filter %q: expected column=operator.value", s)
	}
	operator, value, ok := strings.Cut(opValue, ".")
	if !ok {
		return Filter{}, fmt.Errorf("filter %q: expected operator.value", s)
	}
	if !filterOperators[operator] {
		return Filter{}, fmt.Errorf("filter %q: unsupported operator %q", s, operator)
	}
	return Filter{Column: column, Operator: operator, Value: value}, nil
}

// String renders the filter back to its wire form.
func (f Filter) String() string {
	return f.Column + "=" + f.Operator + "." + f.Value
}

// Matches evaluates the filter against a row.
func (f Filter) Matches(row map[string]any) bool {
	if row == nil {
		return false
	}
	rowValue, exists := row[f.Column]
	if !exists {
		return false
	}

	switch f.Operator {
	case "eq":
		return compareEqual(rowValue, f.Value)
	case "neq":
		return !compareEqual(rowValue, f.Value)
	case "gt":
		return compareNumeric(rowValue, f.Value) > 0
	case "gte":
		return compareNumeric(rowValue, f.Value) >= 0
	case "lt":
		return compareNumeric(rowValue, f.Value) < 0
	case "lte":
		return compareNumeric(rowValue, f.Value) <= 0
	case "in":
		return compareIn(rowValue, f.Value)
	default:
		return false
	}
}

func compareEqual(rowValue any, filterValue string) bool {
	switch v := rowValue.(type) {
	case string:
		return v == filterValue
	case float64:
		fv, err := strconv.ParseFloat(filterValue, 64)
		return err == nil && v == fv
	case int64:
		iv, err := strconv.ParseInt(filterValue, 10, 64)
		return err == nil && v == iv
	case int:
		iv, err := strconv.Atoi(filterValue)
		return err == nil && v == iv
	case nil:
		return filterValue == "null"
	default:
		return fmt.Sprintf("%v", v) == filterValue
	}
}

// compareNumeric returns -1, 0 or 1. Values that cannot be compared are
// treated as equal.
func compareNumeric(rowValue any, filterValue string) int {
	var rowNum float64
	switch v := rowValue.(type) {
	case float64:
		rowNum = v
	case int64:
		rowNum = float64(v)
	case int:
		rowNum = float64(v)
	case string:
		n, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0
		}
		rowNum = n
	default:
		return 0
	}

	filterNum, err := strconv.ParseFloat(filterValue, 64)
	if err != nil {
		return 0
	}
	switch {
	case rowNum < filterNum:
		return -1
	case rowNum > filterNum:
		return 1
	}
	return 0
}

// compareIn checks membership in a "(a,b,c)" list.
func compareIn(rowValue any, filterValue string) bool {
	list := strings.TrimSuffix(strings.TrimPrefix(filterValue, "("), ")")
	for _, v := range strings.Split(list, ",") {
		if compareEqual(rowValue, strings.TrimSpace(v)) {
			return true
		}
	}
	return false
}
