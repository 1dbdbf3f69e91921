package metrics

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"tcpscan/internal/model"
)

// ReadCSV loads samples from a CSV history file.
func ReadCSV(path string) ([]model.Sample, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return readCSV(file)
}

// readCSV streams records. A short final record is dropped, since a scan
// killed mid-append can leave one behind; a short record elsewhere is an error.
func readCSV(r io.Reader) ([]model.Sample, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.ReuseRecord = true

	var items []model.Sample
	var pendingShort error
	for line := 1; ; line++ {
		rec, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if pendingShort != nil {
			return nil, pendingShort
		}
		if line == 1 && len(rec) > 0 && rec[0] == csvHeader[0] {
			continue
		}
		if len(rec) < len(csvHeader) {
			pendingShort = fmt.Errorf("invalid record at line %d", line)
			continue
		}
		sample, err := parseRecord(rec)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		items = append(items, sample)
	}
	return items, nil
}

func parseRecord(rec []string) (model.Sample, error) {
	ts, err := time.Parse(time.RFC3339Nano, rec[0])
	if err != nil {
		return model.Sample{}, fmt.Errorf("invalid timestamp: %w", err)
	}
	rtt, _ := strconv.ParseFloat(rec[4], 64)
	window, _ := strconv.Atoi(rec[5])
	bps, _ := strconv.ParseFloat(rec[6], 64)
	return model.Sample{
		Timestamp:     ts,
		Interface:     rec[1],
		Server:        rec[2],
		ServerIP:      rec[3],
		RTTMs:         rtt,
		WindowBytes:   window,
		BitsPerSecond: bps,
		Error:         rec[7],
	}, nil
}
