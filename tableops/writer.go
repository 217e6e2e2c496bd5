package tableops

import (
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/compress"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"

	"github.com/TFMV/driftlake/catalog"
)

// Chunk is one encoded partition: Parquet bytes plus the statistics the
// catalog records for it.
type Chunk struct {
	Data      []byte
	RowCount  int64
	MinValues map[string]string
	MaxValues map[string]string
}

// Writer encodes rows into Parquet chunks of at most maxRows rows each
type Writer struct {
	columns   []catalog.ColumnSchema
	schema    *arrow.Schema
	maxRows   int64
	allocator memory.Allocator
}

// NewWriter creates a writer for the given column schema
func NewWriter(columns []catalog.ColumnSchema, maxRows int64) (*Writer, error) {
	if maxRows < 1 {
		return nil, fmt.Errorf("max rows per partition must be at least 1, got %d", maxRows)
	}
	schema, err := ArrowSchema(columns)
	if err != nil {
		return nil, err
	}
	return &Writer{
		columns:   columns,
		schema:    schema,
		maxRows:   maxRows,
		allocator: memory.NewGoAllocator(),
	}, nil
}

// WriteRows drains rows into Parquet chunks. Zero input rows produce zero
// chunks.
func (w *Writer) WriteRows(rows *sql.Rows) ([]Chunk, error) {
	var chunks []Chunk
	builder := array.NewRecordBuilder(w.allocator, w.schema)
	defer builder.Release()

	stats := newStatsTracker(w.columns)
	var pending int64

	holders := make([]any, len(w.columns))
	ptrs := make([]any, len(w.columns))
	for i := range holders {
		ptrs[i] = &holders[i]
	}

	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		for i, field := range w.schema.Fields() {
			if err := appendValue(builder.Field(i), field.Type, holders[i]); err != nil {
				return nil, fmt.Errorf("column %s: %w", w.columns[i].Name, err)
			}
			stats.observe(i, holders[i])
		}
		pending++

		if pending == w.maxRows {
			chunk, err := w.flush(builder, stats, pending)
			if err != nil {
				return nil, err
			}
			chunks = append(chunks, chunk)
			stats = newStatsTracker(w.columns)
			pending = 0
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	if pending > 0 {
		chunk, err := w.flush(builder, stats, pending)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, chunk)
	}
	return chunks, nil
}

func (w *Writer) flush(builder *array.RecordBuilder, stats *statsTracker, rowCount int64) (Chunk, error) {
	record := builder.NewRecord()
	defer record.Release()

	data, err := EncodeRecord(w.schema, record)
	if err != nil {
		return Chunk{}, err
	}
	minVals, maxVals := stats.result()
	return Chunk{
		Data:      data,
		RowCount:  rowCount,
		MinValues: minVals,
		MaxValues: maxVals,
	}, nil
}

// EncodeRecord serializes a single record batch to Parquet bytes.
func EncodeRecord(schema *arrow.Schema, record arrow.Record) ([]byte, error) {
	var buf writerBuffer
	props := parquet.NewWriterProperties(parquet.WithCompression(compress.Codecs.Snappy))
	writer, err := pqarrow.NewFileWriter(schema, &buf, props, pqarrow.DefaultWriterProps())
	if err != nil {
		return nil, fmt.Errorf("failed to create parquet writer: %w", err)
	}
	if err := writer.Write(record); err != nil {
		writer.Close()
		return nil, fmt.Errorf("failed to write record batch: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close parquet writer: %w", err)
	}
	return buf.bytes, nil
}

type writerBuffer struct {
	bytes []byte
}

func (b *writerBuffer) Write(p []byte) (int, error) {
	b.bytes = append(b.bytes, p...)
	return len(p), nil
}

// appendValue coerces a scanned database value into an Arrow builder.
// Drivers disagree on integer widths, so numeric kinds are normalized here.
func appendValue(fb array.Builder, dt arrow.DataType, value any) error {
	if value == nil {
		fb.AppendNull()
		return nil
	}

	switch builder := fb.(type) {
	case *array.Int64Builder:
		switch v := value.(type) {
		case int64:
			builder.Append(v)
		case int32:
			builder.Append(int64(v))
		case int:
			builder.Append(int64(v))
		default:
			return fmt.Errorf("cannot store %T in integer column", value)
		}
	case *array.Float64Builder:
		switch v := value.(type) {
		case float64:
			builder.Append(v)
		case float32:
			builder.Append(float64(v))
		case int64:
			builder.Append(float64(v))
		default:
			return fmt.Errorf("cannot store %T in double column", value)
		}
	case *array.StringBuilder:
		switch v := value.(type) {
		case string:
			builder.Append(v)
		case []byte:
			builder.Append(string(v))
		default:
			return fmt.Errorf("cannot store %T in string column", value)
		}
	case *array.BooleanBuilder:
		v, ok := value.(bool)
		if !ok {
			return fmt.Errorf("cannot store %T in boolean column", value)
		}
		builder.Append(v)
	case *array.TimestampBuilder:
		v, ok := value.(time.Time)
		if !ok {
			return fmt.Errorf("cannot store %T in timestamp column", value)
		}
		builder.Append(arrow.Timestamp(v.UTC().UnixMicro()))
	case *array.Date32Builder:
		v, ok := value.(time.Time)
		if !ok {
			return fmt.Errorf("cannot store %T in date column", value)
		}
		builder.Append(arrow.Date32FromTime(v))
	default:
		return fmt.Errorf("unsupported builder for type %s", dt)
	}
	return nil
}

// statsTracker accumulates per-column min/max over non-null values.
type statsTracker struct {
	columns []catalog.ColumnSchema
	min     []any
	max     []any
}

func newStatsTracker(columns []catalog.ColumnSchema) *statsTracker {
	return &statsTracker{
		columns: columns,
		min:     make([]any, len(columns)),
		max:     make([]any, len(columns)),
	}
}

func (s *statsTracker) observe(i int, value any) {
	if value == nil {
		return
	}
	if s.min[i] == nil || compareValues(value, s.min[i]) < 0 {
		s.min[i] = value
	}
	if s.max[i] == nil || compareValues(value, s.max[i]) > 0 {
		s.max[i] = value
	}
}

func (s *statsTracker) result() (map[string]string, map[string]string) {
	minVals := make(map[string]string)
	maxVals := make(map[string]string)
	for i, col := range s.columns {
		if s.min[i] != nil {
			minVals[col.Name] = formatValue(s.min[i])
		}
		if s.max[i] != nil {
			maxVals[col.Name] = formatValue(s.max[i])
		}
	}
	return minVals, maxVals
}

func compareValues(a, b any) int {
	switch av := a.(type) {
	case int64:
		return compareOrdered(av, asInt64(b))
	case int32:
		return compareOrdered(int64(av), asInt64(b))
	case int:
		return compareOrdered(int64(av), asInt64(b))
	case float64:
		return compareOrdered(av, asFloat64(b))
	case float32:
		return compareOrdered(float64(av), asFloat64(b))
	case string:
		bv, _ := b.(string)
		return compareOrdered(av, bv)
	case []byte:
		bv := ""
		switch x := b.(type) {
		case []byte:
			bv = string(x)
		case string:
			bv = x
		}
		return compareOrdered(string(av), bv)
	case bool:
		bv, _ := b.(bool)
		return compareOrdered(boolInt(av), boolInt(bv))
	case time.Time:
		bv, _ := b.(time.Time)
		return av.Compare(bv)
	}
	return 0
}

func compareOrdered[T int64 | float64 | string](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func asInt64(v any) int64 {
	switch x := v.(type) {
	case int64:
		return x
	case int32:
		return int64(x)
	case int:
		return int64(x)
	}
	return 0
}

func asFloat64(v any) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case float32:
		return float64(x)
	}
	return 0
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func formatValue(v any) string {
	switch x := v.(type) {
	case int64:
		return strconv.FormatInt(x, 10)
	case int32:
		return strconv.FormatInt(int64(x), 10)
	case int:
		return strconv.FormatInt(int64(x), 10)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'g', -1, 32)
	case string:
		return x
	case []byte:
		return string(x)
	case bool:
		return strconv.FormatBool(x)
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	}
	return fmt.Sprintf("%v", v)
}
