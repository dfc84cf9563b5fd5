package storage

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// ErrInputNotFound marks an unusable entity list: absent file or missing columns.
var ErrInputNotFound = errors.New("input not found")

const utf8BOM = "\ufeff"

var timestampLayouts = []string{TimestampLayout, time.RFC3339, time.DateOnly}

// LoadEntities reads the id/name/symbol list that drives a historical fetch.
func LoadEntities(path string) ([]Entity, error) {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrInputNotFound, path)
		}
		return nil, fmt.Errorf("open entities: %w", err)
	}
	defer file.Close()

	reader := newReader(file)
	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: %s is empty", ErrInputNotFound, path)
		}
		return nil, fmt.Errorf("read entities header: %w", err)
	}

	index := headerIndex(header)
	if missing := missingColumns(index, EntityColumns); len(missing) > 0 {
		return nil, fmt.Errorf("%w: missing required columns %v in %s", ErrInputNotFound, missing, path)
	}

	entities := make([]Entity, 0)
	for {
		rec, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read entities: %w", err)
		}

		entity := Entity{
			ID:     field(rec, index["id"]),
			Name:   field(rec, index["name"]),
			Symbol: field(rec, index["symbol"]),
		}
		if entity.ID == "" {
			continue
		}
		entities = append(entities, entity)
	}
	return entities, nil
}

// WriteHistoricalCSV writes records with a header row, in the order given.
// The target is replaced only once the whole table is on disk.
func WriteHistoricalCSV(path string, records []HistoricalRecord) error {
	return writeFileAtomic(path, func(w io.Writer) error {
		writer := csv.NewWriter(w)
		if err := writer.Write(HistoricalColumns); err != nil {
			return err
		}
		for _, record := range records {
			if err := writer.Write(record.row()); err != nil {
				return err
			}
		}
		writer.Flush()
		return writer.Error()
	})
}

// ReadHistoricalCSV parses a table produced by WriteHistoricalCSV.
func ReadHistoricalCSV(path string) ([]HistoricalRecord, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := newReader(file)
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	index := headerIndex(header)
	if missing := missingColumns(index, HistoricalColumns); len(missing) > 0 {
		return nil, fmt.Errorf("missing columns %v in %s", missing, path)
	}

	records := make([]HistoricalRecord, 0)
	line := 1
	for {
		rec, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		line++

		date, err := parseTimestamp(field(rec, index["date"]))
		if err != nil {
			return nil, fmt.Errorf("line %d: date: %w", line, err)
		}
		createdAt, err := parseTimestamp(field(rec, index["created_at"]))
		if err != nil {
			return nil, fmt.Errorf("line %d: created_at: %w", line, err)
		}
		circulating, err := decimal.NewFromString(field(rec, index["circulating_usd"]))
		if err != nil {
			return nil, fmt.Errorf("line %d: circulating_usd: %w", line, err)
		}
		bridged, err := decimal.NewFromString(field(rec, index["bridged_usd"]))
		if err != nil {
			return nil, fmt.Errorf("line %d: bridged_usd: %w", line, err)
		}

		records = append(records, HistoricalRecord{
			StablecoinID:     field(rec, index["stablecoin_id"]),
			StablecoinName:   field(rec, index["stablecoin_name"]),
			StablecoinSymbol: field(rec, index["stablecoin_symbol"]),
			Date:             date,
			CirculatingUSD:   circulating,
			BridgedUSD:       bridged,
			CreatedAt:        createdAt,
		})
	}
	return records, nil
}

// ValidateStructure checks a written table against the expected schema.
// Schema problems are logged and reported as false; only I/O failures return an error.
func ValidateStructure(path string, logger zerolog.Logger) (bool, error) {
	file, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer file.Close()

	reader := newReader(file)
	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			logger.Error().Str("path", path).Msg("table is empty")
			return false, nil
		}
		var parseErr *csv.ParseError
		if errors.As(err, &parseErr) {
			logger.Error().Err(err).Str("path", path).Msg("table header is malformed")
			return false, nil
		}
		return false, err
	}

	index := headerIndex(header)
	if missing := missingColumns(index, HistoricalColumns); len(missing) > 0 {
		logger.Error().Strs("missing", missing).Str("path", path).Msg("missing columns in generated table")
		return false, nil
	}

	line := 1
	for {
		rec, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var parseErr *csv.ParseError
			if errors.As(err, &parseErr) {
				logger.Error().Err(err).Str("path", path).Msg("table row is malformed")
				return false, nil
			}
			return false, err
		}
		line++

		for _, col := range []string{"date", "created_at"} {
			if _, err := parseTimestamp(field(rec, index[col])); err != nil {
				logger.Error().Err(err).Int("line", line).Str("column", col).Msg("data type validation failed")
				return false, nil
			}
		}
		for _, col := range []string{"circulating_usd", "bridged_usd"} {
			if _, err := decimal.NewFromString(field(rec, index[col])); err != nil {
				logger.Error().Err(err).Int("line", line).Str("column", col).Msg("data type validation failed")
				return false, nil
			}
		}
	}

	logger.Info().Str("path", path).Int("rows", line-1).Msg("table structure validation passed")
	return true, nil
}

// WriteRowsCSV writes free-form query rows. Without explicit columns the sorted union of row keys is used.
func WriteRowsCSV(path string, columns []string, rows []map[string]any) error {
	if len(columns) == 0 {
		columns = unionKeys(rows)
	}

	return writeFileAtomic(path, func(w io.Writer) error {
		writer := csv.NewWriter(w)
		if err := writer.Write(columns); err != nil {
			return err
		}

		record := make([]string, len(columns))
		for _, row := range rows {
			for i, col := range columns {
				value, err := formatCell(row[col])
				if err != nil {
					return fmt.Errorf("column %s: %w", col, err)
				}
				record[i] = value
			}
			if err := writer.Write(record); err != nil {
				return err
			}
		}
		writer.Flush()
		return writer.Error()
	})
}

// writeFileAtomic writes into a temporary sibling of path and renames it over
// path, so a failed write leaves any previous file untouched.
func writeFileAtomic(path string, write func(io.Writer) error) (err error) {
	if err := ensureDir(path); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	if err = tmp.Chmod(0o644); err != nil {
		return err
	}
	if err = write(tmp); err != nil {
		return err
	}
	if err = tmp.Sync(); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func formatCell(v any) (string, error) {
	switch value := v.(type) {
	case nil:
		return "", nil
	case string:
		return value, nil
	case bool:
		return strconv.FormatBool(value), nil
	case float64:
		return strconv.FormatFloat(value, 'f', -1, 64), nil
	case json.Number:
		return value.String(), nil
	case fmt.Stringer:
		return value.String(), nil
	default:
		raw, err := json.Marshal(value)
		if err != nil {
			return "", err
		}
		return string(raw), nil
	}
}

func unionKeys(rows []map[string]any) []string {
	seen := make(map[string]struct{})
	keys := make([]string, 0)
	for _, row := range rows {
		for key := range row {
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			keys = append(keys, key)
		}
	}
	slices.Sort(keys)
	return keys
}

func newReader(r io.Reader) *csv.Reader {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	return reader
}

func headerIndex(header []string) map[string]int {
	index := make(map[string]int, len(header))
	for i, name := range header {
		if i == 0 {
			name = strings.TrimPrefix(name, utf8BOM)
		}
		index[strings.TrimSpace(name)] = i
	}
	return index
}

func missingColumns(index map[string]int, required []string) []string {
	missing := make([]string, 0)
	for _, col := range required {
		if _, ok := index[col]; !ok {
			missing = append(missing, col)
		}
	}
	return missing
}

func field(rec []string, i int) string {
	if i < 0 || i >= len(rec) {
		return ""
	}
	return strings.TrimSpace(rec[i])
}

func parseTimestamp(v string) (time.Time, error) {
	var lastErr error
	for _, layout := range timestampLayouts {
		t, err := time.Parse(layout, v)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
