package billing

import (
	"strconv"
	"strings"
)

var columnReplacer = strings.NewReplacer(":", "_", ".", "_", "/", "_", " ", "_", "-", "_")

// ColumnName turns a published field name such as lineItem/UsageStartDate
// into the identifier used for destination columns.
func ColumnName(name string) string {
	name = strings.ToLower(columnReplacer.Replace(strings.TrimSpace(name)))
	var b strings.Builder
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		}
	}
	out := b.String()
	if out == "" {
		return "column"
	}
	if out[0] >= '0' && out[0] <= '9' {
		out = "_" + out
	}
	return out
}

// SQLName is the identifier used for the column in destination tables.
func (c Column) SQLName() string {
	if c.Category == "" {
		return ColumnName(c.Name)
	}
	return ColumnName(strings.TrimSpace(c.Category) + "_" + strings.TrimSpace(c.Name))
}

// UniqueColumnNames suffixes repeated names with an incrementing ordinal.
// This happens with user defined fields like resource tags that only differ
// in case or punctuation.
func UniqueColumnNames(names []string) []string {
	out := make([]string, len(names))
	used := make(map[string]bool, len(names))
	count := make(map[string]int, len(names))
	for i, name := range names {
		unique := name
		n := count[name]
		if n < 1 {
			n = 1
		}
		for ; used[unique]; n++ {
			unique = name + "_" + strconv.Itoa(n+1)
		}
		count[name]++
		used[unique] = true
		out[i] = unique
	}
	return out
}
