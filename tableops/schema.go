// Package tableops encodes and decodes partition data. Partitions are
// Parquet objects built from Arrow record batches.
package tableops

import (
	"fmt"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/TFMV/driftlake/catalog"
)

// ArrowSchema maps a table's column schema to an Arrow schema. All columns
// are nullable.
func ArrowSchema(columns []catalog.ColumnSchema) (*arrow.Schema, error) {
	fields := make([]arrow.Field, len(columns))
	for i, col := range columns {
		dt, err := ArrowType(col.Type)
		if err != nil {
			return nil, err
		}
		fields[i] = arrow.Field{Name: col.Name, Type: dt, Nullable: true}
	}
	return arrow.NewSchema(fields, nil), nil
}

// ArrowType maps a SQL column type to its Arrow storage type.
func ArrowType(sqlType string) (arrow.DataType, error) {
	base := strings.ToUpper(strings.TrimSpace(sqlType))
	if idx := strings.IndexByte(base, '('); idx >= 0 {
		base = strings.TrimSpace(base[:idx])
	}

	switch base {
	case "SMALLINT", "INT", "INTEGER", "BIGINT":
		return arrow.PrimitiveTypes.Int64, nil
	case "REAL", "FLOAT", "DOUBLE", "DOUBLE PRECISION", "DECIMAL", "NUMERIC":
		return arrow.PrimitiveTypes.Float64, nil
	case "VARCHAR", "CHAR", "TEXT", "STRING":
		return arrow.BinaryTypes.String, nil
	case "BOOLEAN", "BOOL":
		return arrow.FixedWidthTypes.Boolean, nil
	case "TIMESTAMP", "TIMESTAMPTZ", "DATETIME":
		return &arrow.TimestampType{Unit: arrow.Microsecond, TimeZone: "UTC"}, nil
	case "DATE":
		return arrow.FixedWidthTypes.Date32, nil
	default:
		return nil, fmt.Errorf("unsupported column type: %s", sqlType)
	}
}
