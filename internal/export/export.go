// internal/export/export.go
package export

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"instrument-service/internal/model"
)

// Format selects the export serialization.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatJSON Format = "json"
)

// ParseFormat validates a user-supplied format name.
func ParseFormat(name string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(name))) {
	case FormatCSV:
		return FormatCSV, nil
	case FormatJSON:
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("unsupported export format %q", name)
	}
}

// Source provides the samples to export. The buffer manager satisfies
// this; exports read a snapshot and never mutate the buffer.
type Source interface {
	Snapshot(deviceID string) []model.MeasurementSample
}

// document is the JSON file layout. Channels stay an ordered array so
// a round trip preserves column order exactly.
type document struct {
	DeviceID   string                    `json:"device_id"`
	ExportedAt time.Time                 `json:"exported_at"`
	Samples    []model.MeasurementSample `json:"samples"`
}

// Manager serializes buffered samples to files. Requests without a
// destination land in defaultDir.
type Manager struct {
	source     Source
	defaultDir string
	logger     *zap.Logger
}

// NewManager creates an export manager reading from source.
func NewManager(source Source, defaultDir string, logger *zap.Logger) *Manager {
	if defaultDir == "" {
		defaultDir = "."
	}
	return &Manager{
		source:     source,
		defaultDir: defaultDir,
		logger:     logger.With(zap.String("component", "export")),
	}
}

// Export writes a device's buffered samples to destination and
// returns the resolved path and sample count. A destination naming a
// directory gets a timestamped default filename; an empty destination
// uses the configured default directory, created on demand.
func (m *Manager) Export(deviceID string, format Format, destination string) (string, int, error) {
	samples := m.source.Snapshot(deviceID)
	if len(samples) == 0 {
		return "", 0, model.ErrEmptyExport
	}

	if destination == "" {
		if err := os.MkdirAll(m.defaultDir, 0o755); err != nil {
			return "", 0, &model.IOError{Path: m.defaultDir, Err: err}
		}
		destination = m.defaultDir
	}
	path := resolvePath(destination, format)

	file, err := os.Create(path)
	if err != nil {
		return "", 0, &model.IOError{Path: path, Err: err}
	}
	defer file.Close()

	switch format {
	case FormatCSV:
		err = writeCSV(file, samples)
	case FormatJSON:
		err = json.NewEncoder(file).Encode(document{
			DeviceID:   deviceID,
			ExportedAt: time.Now(),
			Samples:    samples,
		})
	default:
		return "", 0, fmt.Errorf("unsupported export format %q", format)
	}
	if err != nil {
		return "", 0, &model.IOError{Path: path, Err: err}
	}

	m.logger.Info("Samples exported",
		zap.String("device_id", deviceID),
		zap.String("path", path),
		zap.String("format", string(format)),
		zap.Int("count", len(samples)),
	)
	return path, len(samples), nil
}

// resolvePath fills in a default filename when destination is a
// directory.
func resolvePath(destination string, format Format) string {
	info, err := os.Stat(destination)
	isDir := err == nil && info.IsDir()
	if !isDir && !strings.HasSuffix(destination, string(os.PathSeparator)) {
		return destination
	}
	name := fmt.Sprintf("export_%s.%s", time.Now().Format("20060102_150405"), format)
	return filepath.Join(destination, name)
}

// writeCSV writes one row per sample. Columns are timestamp, device id
// and the union of channel names in first-seen order; a sample missing
// a channel leaves the cell empty.
func writeCSV(file *os.File, samples []model.MeasurementSample) error {
	var columns []string
	seen := make(map[string]bool)
	for _, sample := range samples {
		for _, channel := range sample.Channels {
			if !seen[channel.Name] {
				seen[channel.Name] = true
				columns = append(columns, channel.Name)
			}
		}
	}

	writer := csv.NewWriter(file)
	header := append([]string{"timestamp", "device_id"}, columns...)
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, sample := range samples {
		row := make([]string, 0, len(header))
		row = append(row, sample.Timestamp.Format(time.RFC3339Nano), sample.DeviceID)
		for _, name := range columns {
			if value, ok := sample.Value(name); ok {
				row = append(row, strconv.FormatFloat(value, 'g', -1, 64))
			} else {
				row = append(row, "")
			}
		}
		if err := writer.Write(row); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

// ImportJSON reads samples back from a JSON export.
func ImportJSON(path string) ([]model.MeasurementSample, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, &model.IOError{Path: path, Err: err}
	}
	defer file.Close()

	var doc document
	if err := json.NewDecoder(file).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return doc.Samples, nil
}

// ImportCSV reads samples back from a CSV export.
func ImportCSV(path string) ([]model.MeasurementSample, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, &model.IOError{Path: path, Err: err}
	}
	defer file.Close()

	rows, err := csv.NewReader(file).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	header := rows[0]
	if len(header) < 2 || header[0] != "timestamp" || header[1] != "device_id" {
		return nil, fmt.Errorf("parse %s: unrecognized header %v", path, header)
	}
	columns := header[2:]

	samples := make([]model.MeasurementSample, 0, len(rows)-1)
	for _, row := range rows[1:] {
		timestamp, err := time.Parse(time.RFC3339Nano, row[0])
		if err != nil {
			return nil, fmt.Errorf("parse %s: bad timestamp %q", path, row[0])
		}

		sample := model.MeasurementSample{Timestamp: timestamp, DeviceID: row[1]}
		for i, name := range columns {
			cell := row[2+i]
			if cell == "" {
				continue
			}
			value, err := strconv.ParseFloat(cell, 64)
			if err != nil {
				return nil, fmt.Errorf("parse %s: bad value %q in column %s", path, cell, name)
			}
			sample.Channels = append(sample.Channels, model.ChannelValue{Name: name, Value: value})
		}
		samples = append(samples, sample)
	}
	return samples, nil
}
