package extract

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/neurorig/rig-controller/internal/device"
)

// WriteTableCSV writes one extracted table as "<name>.csv" under dir and
// returns the written path. The first column is always timestamp_us.
func WriteTableCSV(dir string, table *device.Table) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create output directory: %w", err)
	}
	path := filepath.Join(dir, table.Name+".csv")
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	header := []string{"timestamp_us"}
	for _, col := range table.Columns {
		header = append(header, col.Name)
	}
	if err := w.Write(header); err != nil {
		return "", fmt.Errorf("write header: %w", err)
	}

	row := make([]string, len(header))
	for i, ts := range table.Timestamps {
		row[0] = strconv.FormatUint(ts, 10)
		for j, col := range table.Columns {
			if col.Ints != nil {
				row[j+1] = strconv.FormatInt(col.Ints[i], 10)
			} else {
				row[j+1] = strconv.FormatFloat(col.Floats[i], 'f', -1, 64)
			}
		}
		if err := w.Write(row); err != nil {
			return "", fmt.Errorf("write row %d: %w", i, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", fmt.Errorf("flush %s: %w", path, err)
	}
	return path, nil
}

// ExtractToCSV is the end-to-end extraction path: archive in, one CSV per
// module out.
func ExtractToCSV(archivePath, outDir string, source uint8, modules []device.Interface) ([]string, error) {
	sources, err := ReadArchive(archivePath)
	if err != nil {
		return nil, err
	}
	src, ok := sources[source]
	if !ok {
		return nil, fmt.Errorf("archive has no source %d", source)
	}
	tables, err := ExtractModules(src, modules)
	if err != nil {
		return nil, err
	}
	paths := make([]string, 0, len(tables))
	for _, table := range tables {
		path, err := WriteTableCSV(outDir, table)
		if err != nil {
			return nil, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}
