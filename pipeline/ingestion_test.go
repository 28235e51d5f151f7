package pipeline

import (
	"bytes"
	"errors"
	"math"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/simplifiedchinese"

	"oncorisk/ml"
)

func twoFeatures(t *testing.T) ml.FeatureSet {
	t.Helper()
	fs, err := ml.NewFeatureSet([]string{"age", "smoking"})
	require.NoError(t, err)
	return fs
}

func TestReadReordersColumns(t *testing.T) {
	input := "\ufeffsmoking,notes,age,label,cancer_type\n" +
		"1,x,61,1,0\n" +
		"0,y,NA,0,1\n"
	di := NewDataIngester(IngestionConfig{}, twoFeatures(t), nil)

	records, err := di.Read(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, 2, records[0].Line)
	assert.Equal(t, []float64{61, 1}, records[0].Values)
	assert.Equal(t, 1.0, records[0].Risk)
	assert.Equal(t, 0.0, records[0].Type)

	assert.True(t, math.IsNaN(records[1].Values[0]))
	assert.Equal(t, 1.0, records[1].Type)

	stats := di.GetStats()
	assert.Equal(t, int64(1), stats.Files)
	assert.Equal(t, int64(2), stats.Rows)
	assert.Equal(t, int64(1), stats.MissingValues)
}

func TestReadCustomLabelColumns(t *testing.T) {
	input := "age,smoking,target\n40,0,1\n"
	di := NewDataIngester(IngestionConfig{LabelColumn: "target"}, twoFeatures(t), nil)

	records, err := di.Read(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, 1.0, records[0].Risk)
	// no type column means type 0
	assert.Equal(t, 0.0, records[0].Type)
}

func TestReadErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
		check func(t *testing.T, err error)
	}{
		{
			name:  "empty",
			input: "",
			check: func(t *testing.T, err error) { assert.True(t, errors.Is(err, ml.ErrEmptyDataset)) },
		},
		{
			name:  "header only",
			input: "age,smoking,label\n",
			check: func(t *testing.T, err error) { assert.True(t, errors.Is(err, ml.ErrEmptyDataset)) },
		},
		{
			name:  "missing feature",
			input: "age,label\n1,0\n",
			check: func(t *testing.T, err error) {
				var fe *ml.FeatureError
				require.True(t, errors.As(err, &fe))
				assert.Equal(t, "smoking", fe.Name)
			},
		},
		{
			name:  "missing label",
			input: "age,smoking\n1,0\n",
			check: func(t *testing.T, err error) { assert.ErrorContains(t, err, "label column") },
		},
		{
			name:  "ragged row",
			input: "age,smoking,label\n1,0\n",
			check: func(t *testing.T, err error) { assert.ErrorContains(t, err, "line 2") },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			di := NewDataIngester(IngestionConfig{}, twoFeatures(t), nil)
			_, err := di.Read(strings.NewReader(tt.input))
			require.Error(t, err)
			tt.check(t, err)
		})
	}
}

func TestReadGBK(t *testing.T) {
	raw := "age,smoking,label,备注\n55,1,1,吸烟\n"
	encoded, err := simplifiedchinese.GBK.NewEncoder().String(raw)
	require.NoError(t, err)

	di := NewDataIngester(IngestionConfig{Encoding: "gbk"}, twoFeatures(t), nil)
	records, err := di.Read(bytes.NewReader([]byte(encoded)))
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, []float64{55, 1}, records[0].Values)
}

func TestDecoder(t *testing.T) {
	for _, name := range []string{"", "UTF-8", "gbk", "latin1", "cp1252"} {
		_, err := Decoder(name)
		assert.NoError(t, err, name)
	}
	_, err := Decoder("ebcdic")
	assert.Error(t, err)
}

func TestWriteCSVRoundTrip(t *testing.T) {
	ds := ml.Simulate(50, 3)
	path := filepath.Join(t.TempDir(), "cohort.csv")
	require.NoError(t, WriteCSV(path, ds))

	di := NewDataIngester(IngestionConfig{}, ds.Features, nil)
	records, err := di.ReadFile(path)
	require.NoError(t, err)

	back := ToDataset(ds.Features, records)
	assert.Equal(t, ds.X, back.X)
	assert.Equal(t, ds.Risk, back.Risk)
	assert.Equal(t, ds.Type, back.Type)
}
