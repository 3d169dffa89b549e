package repositories

import (
	"strconv"
	"strings"
)

// bulkInsert строит multi-row INSERT: placeholders нумеруются подряд по строкам.
// Русский комментарий: Одна пачка — один запрос, так дешевле для партиционированных таблиц.
func bulkInsert(table string, columns []string, rows int) string {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(table)
	b.WriteString(" (")
	b.WriteString(strings.Join(columns, ", "))
	b.WriteString(") VALUES ")

	n := 1
	for i := 0; i < rows; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for j := range columns {
			if j > 0 {
				b.WriteString(", ")
			}
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			n++
		}
		b.WriteByte(')')
	}
	return b.String()
}

// maxBulkRows — лимит строк в одном запросе (у PostgreSQL не больше 65535 параметров).
func maxBulkRows(columns int) int {
	return 65535 / columns
}
