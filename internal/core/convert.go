package core

// convert.go turns raw CSV cells into the documents written to the store.
//
// Only a few columns are typed:
//   - start_ip_int / end_ip_int: integer addresses, the span source
//   - asn: integer autonomous system number
//
// A typed cell that does not parse is kept as its original string. The row is
// still written; it just contributes no span.

import (
	"strconv"
	"strings"

	"github.com/JonMunkholm/repload/internal/store"
)

const (
	ColumnStartAddr = "start_ip_int"
	ColumnEndAddr   = "end_ip_int"
	ColumnASN       = "asn"
)

// integerColumns are coerced to int64 when they parse.
var integerColumns = map[string]bool{
	ColumnStartAddr: true,
	ColumnEndAddr:   true,
	ColumnASN:       true,
}

// GenerationSchema is the mapping of a generation collection. Fields not
// listed are stored but not indexed.
var GenerationSchema = store.Schema{
	Shards:   2,
	Replicas: 1,
	Dynamic:  false,
	Fields: []store.Field{
		{Name: ColumnEndAddr, Type: store.FieldLong, IgnoreMalformed: true},
		{Name: "carrier", Type: store.FieldKeyword},
		{Name: ColumnStartAddr, Type: store.FieldLong, IgnoreMalformed: true},
		{Name: "anonymizer_status", Type: store.FieldKeyword},
		{Name: "organization", Type: store.FieldKeyword},
		{Name: "proxy_type", Type: store.FieldKeyword},
		{Name: "sld", Type: store.FieldKeyword},
		{Name: ColumnASN, Type: store.FieldInteger, IgnoreMalformed: true},
		{Name: "tld", Type: store.FieldKeyword},
	},
}

// NormalizeHeader cleans header cells and lowercases them so column lookups
// are case-insensitive.
func NormalizeHeader(header []string) []string {
	cols := make([]string, len(header))
	for i, h := range header {
		cols[i] = strings.ToLower(CleanCell(h))
	}
	return cols
}

// CleanCell removes common CSV artifacts from a cell value:
// - Trims whitespace
// - Removes Excel formula prefix (="...")
// - Removes surrounding quotes
func CleanCell(s string) string {
	s = strings.TrimSpace(s)

	if strings.HasPrefix(s, "=\"") && strings.HasSuffix(s, "\"") && len(s) >= 3 {
		s = s[2 : len(s)-1]
	} else if strings.HasPrefix(s, "=") {
		s = s[1:]
	}

	return strings.Trim(s, `"'`)
}

// ParseInteger parses a whole number cell. Surrounding whitespace and a
// leading plus sign are accepted.
func ParseInteger(s string) (int64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// ConvertRow builds the record for one data row. Cells beyond the header are
// dropped; missing cells are absent from the source.
func ConvertRow(columns, cells []string, position int64) Record {
	rec := Record{
		Position: position,
		Source:   make(map[string]any, len(columns)),
	}
	for i, col := range columns {
		if i >= len(cells) || col == "" {
			continue
		}
		cell := CleanCell(cells[i])
		if integerColumns[col] {
			if n, ok := ParseInteger(cell); ok {
				rec.Source[col] = n
				continue
			}
		}
		rec.Source[col] = cell
	}

	start, okStart := rec.Source[ColumnStartAddr].(int64)
	end, okEnd := rec.Source[ColumnEndAddr].(int64)
	if okStart && okEnd {
		rec.Start, rec.End, rec.HasAddrs = start, end, true
	}
	return rec
}
