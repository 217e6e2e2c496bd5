package tableops

import (
	"bytes"
	"context"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet/file"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"
)

// ReadTable decodes Parquet bytes into an Arrow table. The caller owns the
// returned table and must Release it.
func ReadTable(ctx context.Context, data []byte) (arrow.Table, error) {
	parquetReader, err := file.NewParquetReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create parquet reader: %w", err)
	}
	defer parquetReader.Close()

	arrowReader, err := pqarrow.NewFileReader(parquetReader,
		pqarrow.ArrowReadProperties{BatchSize: 1024}, memory.NewGoAllocator())
	if err != nil {
		return nil, fmt.Errorf("failed to create arrow reader: %w", err)
	}

	table, err := arrowReader.ReadTable(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read arrow table: %w", err)
	}
	return table, nil
}

// RowCount returns the number of rows in a Parquet object without decoding
// column data.
func RowCount(data []byte) (int64, error) {
	parquetReader, err := file.NewParquetReader(bytes.NewReader(data))
	if err != nil {
		return 0, fmt.Errorf("failed to create parquet reader: %w", err)
	}
	defer parquetReader.Close()
	return parquetReader.NumRows(), nil
}
