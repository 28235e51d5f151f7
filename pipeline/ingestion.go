package pipeline

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"oncorisk/ml"
)

// Record 一行原始临床数据，特征按契约顺序排列
type Record struct {
	Line   int       `json:"line"`
	Values []float64 `json:"values"`
	Risk   float64   `json:"risk"`
	Type   float64   `json:"type"`
}

// IngestionConfig 数据摄取配置
type IngestionConfig struct {
	Encoding    string `yaml:"encoding"`
	LabelColumn string `yaml:"label_column"`
	TypeColumn  string `yaml:"type_column"`
}

// IngestionStats 摄取统计
type IngestionStats struct {
	Files         int64     `json:"files"`
	Rows          int64     `json:"rows"`
	MissingValues int64     `json:"missing_values"`
	LastIngestion time.Time `json:"last_ingestion"`
}

// DataIngester reads labeled CSV files into contract-ordered records.
type DataIngester struct {
	config   IngestionConfig
	features ml.FeatureSet
	logger   *zap.Logger

	stats     IngestionStats
	statsLock sync.RWMutex
}

func NewDataIngester(config IngestionConfig, features ml.FeatureSet, logger *zap.Logger) *DataIngester {
	if config.LabelColumn == "" {
		config.LabelColumn = "label"
	}
	if config.TypeColumn == "" {
		config.TypeColumn = "cancer_type"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DataIngester{
		config:   config,
		features: features,
		logger:   logger,
	}
}

func (di *DataIngester) ReadFile(path string) ([]*Record, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	records, err := di.Read(file)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	di.logger.Info("dataset ingested",
		zap.String("path", path),
		zap.Int("rows", len(records)),
		zap.String("encoding", di.config.Encoding),
	)
	return records, nil
}

// Read parses CSV with a header row. Every contract feature and the label
// column are required; a missing type column means type 0 for every row.
// Empty, "?" and "NA" cells become NaN and are left to the cleaner.
func (di *DataIngester) Read(r io.Reader) ([]*Record, error) {
	decoder, err := Decoder(di.config.Encoding)
	if err != nil {
		return nil, err
	}
	reader := csv.NewReader(transform.NewReader(r, decoder))
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ml.ErrEmptyDataset
		}
		return nil, err
	}
	columns := make(map[string]int, len(header))
	for i, name := range header {
		columns[strings.TrimSpace(name)] = i
	}

	featureCols := make([]int, di.features.Len())
	for i, name := range di.features.Names() {
		col, ok := columns[name]
		if !ok {
			return nil, &ml.FeatureError{Name: name, Err: ml.ErrMissingFeature}
		}
		featureCols[i] = col
	}
	labelCol, ok := columns[di.config.LabelColumn]
	if !ok {
		return nil, fmt.Errorf("label column %q not found", di.config.LabelColumn)
	}
	typeCol, hasType := columns[di.config.TypeColumn]

	var records []*Record
	var missing int64
	line := 1
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		line++
		if len(row) != len(header) {
			return nil, fmt.Errorf("line %d: %d fields, header has %d", line, len(row), len(header))
		}

		rec := &Record{Line: line, Values: make([]float64, len(featureCols))}
		for i, col := range featureCols {
			rec.Values[i] = parseCell(row[col])
			if math.IsNaN(rec.Values[i]) {
				missing++
			}
		}
		rec.Risk = parseCell(row[labelCol])
		if hasType {
			rec.Type = parseCell(row[typeCol])
		}
		records = append(records, rec)
	}

	di.statsLock.Lock()
	di.stats.Files++
	di.stats.Rows += int64(len(records))
	di.stats.MissingValues += missing
	di.stats.LastIngestion = time.Now()
	di.statsLock.Unlock()

	if len(records) == 0 {
		return nil, ml.ErrEmptyDataset
	}
	return records, nil
}

// GetStats 获取统计信息
func (di *DataIngester) GetStats() IngestionStats {
	di.statsLock.RLock()
	defer di.statsLock.RUnlock()

	return di.stats
}

func parseCell(cell string) float64 {
	cell = strings.TrimSpace(cell)
	switch strings.ToLower(cell) {
	case "", "?", "na", "nan", "null":
		return math.NaN()
	}
	v, err := strconv.ParseFloat(cell, 64)
	if err != nil {
		return math.NaN()
	}
	return v
}

// Decoder maps an encoding name to a transformer producing UTF-8.
func Decoder(name string) (transform.Transformer, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "utf-8", "utf8":
		return unicode.BOMOverride(unicode.UTF8.NewDecoder()), nil
	case "gbk", "gb2312":
		return simplifiedchinese.GBK.NewDecoder(), nil
	case "latin1", "iso-8859-1":
		return charmap.ISO8859_1.NewDecoder(), nil
	case "windows-1252", "cp1252":
		return charmap.Windows1252.NewDecoder(), nil
	default:
		return nil, fmt.Errorf("unsupported encoding %q", name)
	}
}

// ToDataset converts cleaned records into a dataset with integer labels.
func ToDataset(features ml.FeatureSet, records []*Record) *ml.Dataset {
	ds := &ml.Dataset{
		Features: features,
		X:        make([][]float64, len(records)),
		Risk:     make([]int, len(records)),
		Type:     make([]int, len(records)),
	}
	for i, rec := range records {
		ds.X[i] = append([]float64(nil), rec.Values...)
		ds.Risk[i] = int(rec.Risk)
		ds.Type[i] = int(rec.Type)
	}
	return ds
}

// WriteCSV writes ds with a header of the contract features followed by the
// label and type columns.
func WriteCSV(path string, ds *ml.Dataset) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	w := csv.NewWriter(file)
	header := append(ds.Features.Names(), "label", "cancer_type")
	if err := w.Write(header); err != nil {
		file.Close()
		return err
	}
	row := make([]string, len(header))
	for i, x := range ds.X {
		for j, v := range x {
			row[j] = strconv.FormatFloat(v, 'f', -1, 64)
		}
		row[len(x)] = strconv.Itoa(ds.Risk[i])
		row[len(x)+1] = strconv.Itoa(ds.Type[i])
		if err := w.Write(row); err != nil {
			file.Close()
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}
