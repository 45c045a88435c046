package db

import (
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/nickyhof/dotdata/core"
)

// SimpleTable renders rows as a boxed text table.
type SimpleTable struct {
	writer  io.Writer
	headers []string
	rows    [][]string
}

func NewTable(w io.Writer) *SimpleTable {
	return &SimpleTable{writer: w}
}

func (t *SimpleTable) Header(headers []string) {
	t.headers = headers
}

func (t *SimpleTable) Row(row []string) {
	t.rows = append(t.rows, row)
}

// Documents adds one row per document. Columns are the top-level fields in
// first-seen order; nested values render as compact JSON.
func (t *SimpleTable) Documents(docs []core.Value) {
	var columns []string
	seen := map[string]bool{}
	for _, doc := range docs {
		for _, field := range doc.Fields {
			if !seen[field.Name] {
				seen[field.Name] = true
				columns = append(columns, field.Name)
			}
		}
	}
	t.Header(columns)
	for _, doc := range docs {
		row := make([]string, len(columns))
		for i, column := range columns {
			if value, ok := doc.Get(column); ok {
				row[i] = cell(value)
			}
		}
		t.Row(row)
	}
}

func cell(value core.Value) string {
	switch value.Type {
	case core.ObjectType, core.ArrayType, core.RawType:
		data, err := value.MarshalJSON()
		if err != nil {
			return value.Display()
		}
		return string(data)
	}
	return value.Display()
}

func (t *SimpleTable) Render() {
	if len(t.headers) == 0 && len(t.rows) == 0 {
		return
	}
	widths := t.widths()
	separator := separatorLine(widths)

	fmt.Fprintln(t.writer, separator)
	if len(t.headers) > 0 {
		fmt.Fprintln(t.writer, formatRow(t.headers, widths))
		fmt.Fprintln(t.writer, separator)
	}
	for _, row := range t.rows {
		fmt.Fprintln(t.writer, formatRow(row, widths))
	}
	fmt.Fprintln(t.writer, separator)
}

func (t *SimpleTable) widths() []int {
	columns := len(t.headers)
	for _, row := range t.rows {
		columns = max(columns, len(row))
	}
	widths := make([]int, columns)
	for i := range widths {
		widths[i] = 1
	}
	measure := func(row []string) {
		for i, text := range row {
			widths[i] = max(widths[i], utf8.RuneCountInString(text))
		}
	}
	measure(t.headers)
	for _, row := range t.rows {
		measure(row)
	}
	return widths
}

func separatorLine(widths []int) string {
	parts := make([]string, len(widths))
	for i, w := range widths {
		parts[i] = strings.Repeat("-", w+2)
	}
	return "+" + strings.Join(parts, "+") + "+"
}

func formatRow(row []string, widths []int) string {
	parts := make([]string, len(widths))
	for i, w := range widths {
		text := ""
		if i < len(row) {
			text = row[i]
		}
		parts[i] = " " + text + strings.Repeat(" ", w-utf8.RuneCountInString(text)+1)
	}
	return "|" + strings.Join(parts, "|") + "|"
}
