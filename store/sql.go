package store

import (
	"sort"
	"strings"
)

// ValuesList renders the VALUES tuples of a multi-row insert starting at argument offset+1
func ValuesList(s Store, nRows int, nCols int, offset int) string {
	var b strings.Builder
	n := offset
	for r := 0; r < nRows; r++ {
		if r > 0 {
			b.WriteByte(',')
		}
		b.WriteByte('(')
		for c := 0; c < nCols; c++ {
			if c > 0 {
				b.WriteByte(',')
			}
			n++
			b.WriteString(s.Placeholder(n))
		}
		b.WriteByte(')')
	}
	return b.String()
}

// QuoteList quotes and joins identifiers
func QuoteList(quote func(string) string, names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = quote(n)
	}
	return strings.Join(quoted, ",")
}

// Chunk splits rows so no single statement binds more than maxParams arguments
func Chunk(rows [][]interface{}, nCols int, maxParams int) [][][]interface{} {
	if len(rows) == 0 {
		return nil
	}
	size := len(rows)
	if nCols > 0 && maxParams > 0 && size*nCols > maxParams {
		size = maxParams / nCols
		if size < 1 {
			size = 1
		}
	}
	var chunks [][][]interface{}
	for len(rows) > size {
		chunks = append(chunks, rows[:size])
		rows = rows[size:]
	}
	return append(chunks, rows)
}

// Flatten returns the arguments of rows in order
func Flatten(rows [][]interface{}) []interface{} {
	var n int
	for _, r := range rows {
		n += len(r)
	}
	args := make([]interface{}, 0, n)
	for _, r := range rows {
		args = append(args, r...)
	}
	return args
}

// ChunkIDs splits ids into windows of at most size ids, so an IN list never exceeds the
// bind parameter limit of the engine
func ChunkIDs(ids []int64, size int) [][]int64 {
	if len(ids) == 0 {
		return nil
	}
	if size < 1 {
		size = len(ids)
	}
	var chunks [][]int64
	for len(ids) > size {
		chunks = append(chunks, ids[:size])
		ids = ids[size:]
	}
	return append(chunks, ids)
}

// FirstByID merges the windows read for several id chunks back into one window: the limit
// rows with the lowest ids, in id order
func FirstByID(rows []Row, limit int) []Row {
	sort.Slice(rows, func(i, j int) bool { return rows[i].ID() < rows[j].ID() })
	if limit >= 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows
}
