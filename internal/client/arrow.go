package client

import (
	"errors"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-dropout/internal/device"
	"github.com/23skdu/longbow-dropout/internal/network"
)

// Column names used on the wire.
const (
	FeaturesColumn = "features"
	MaskColumn     = "mask"
)

var (
	ErrMissingColumn = errors.New("record has no such column")
	ErrColumnType    = errors.New("column is not fixed_size_list<float32>")
)

// Column names one feature tensor in a record batch.
type Column struct {
	Name string
	Data *network.IO
}

// RecordBatchBuilder converts feature tensors to Arrow RecordBatches: one
// row per time step, each column a fixed_size_list<float32>[numFeatures].
type RecordBatchBuilder struct {
	mem memory.Allocator
}

// NewRecordBatchBuilder creates a new builder.
func NewRecordBatchBuilder(mem memory.Allocator) *RecordBatchBuilder {
	return &RecordBatchBuilder{mem: mem}
}

// BuildRecordBatch packs columns sharing one width into a RecordBatch.
func (b *RecordBatchBuilder) BuildRecordBatch(columns ...Column) (arrow.RecordBatch, error) {
	if len(columns) == 0 {
		return nil, nil
	}
	width := columns[0].Data.Width()

	fields := make([]arrow.Field, 0, len(columns))
	arrs := make([]arrow.Array, 0, len(columns))
	defer func() {
		for _, a := range arrs {
			a.Release()
		}
	}()

	for _, col := range columns {
		if col.Data.Width() != width {
			return nil, fmt.Errorf("column %q has %d rows, want %d", col.Name, col.Data.Width(), width)
		}
		nf := col.Data.NumFeatures()
		if nf <= 0 {
			return nil, fmt.Errorf("column %q has no features", col.Name)
		}
		fslType := arrow.FixedSizeListOf(int32(nf), arrow.PrimitiveTypes.Float32)
		fields = append(fields, arrow.Field{Name: col.Name, Type: fslType})

		listBuilder := array.NewFixedSizeListBuilder(b.mem, int32(nf), arrow.PrimitiveTypes.Float32)
		valueBuilder := listBuilder.ValueBuilder().(*array.Float32Builder)
		data := col.Data.ToHost()
		for t := 0; t < width; t++ {
			listBuilder.Append(true)
			valueBuilder.AppendValues(data[t*nf:(t+1)*nf], nil)
		}
		arrs = append(arrs, listBuilder.NewArray())
		listBuilder.Release()
	}

	schema := arrow.NewSchema(fields, nil)
	return array.NewRecordBatch(schema, arrs, int64(width)), nil
}

// FeaturesFromRecord copies the named fixed_size_list<float32> column of rec
// into a feature tensor on backend.
func FeaturesFromRecord(backend device.Backend, rec arrow.RecordBatch, column string) (*network.IO, error) {
	indices := rec.Schema().FieldIndices(column)
	if len(indices) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrMissingColumn, column)
	}
	fsl, ok := rec.Column(indices[0]).(*array.FixedSizeList)
	if !ok {
		return nil, fmt.Errorf("%w: %q is %s", ErrColumnType, column, rec.Column(indices[0]).DataType())
	}
	values, ok := fsl.ListValues().(*array.Float32)
	if !ok {
		return nil, fmt.Errorf("%w: %q holds %s", ErrColumnType, column, fsl.ListValues().DataType())
	}

	nf := int(fsl.DataType().(*arrow.FixedSizeListType).Len())
	width := fsl.Len()
	raw := values.Float32Values()
	data := make([]float32, width*nf)
	for t := 0; t < width; t++ {
		if fsl.IsNull(t) {
			return nil, fmt.Errorf("column %q: null time step %d", column, t)
		}
		start, end := fsl.ValueOffsets(t)
		copy(data[t*nf:(t+1)*nf], raw[start:end])
	}
	return network.NewIOFromData(backend, width, nf, data), nil
}
