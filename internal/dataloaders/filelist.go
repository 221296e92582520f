package dataloaders

import (
	"bufio"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ReadColumns splits every non-empty line of filename on whitespace.
func ReadColumns(filename string) ([][]string, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var rows [][]string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		rows = append(rows, fields)
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrapf(err, "read %s", filename)
	}
	return rows, nil
}

// ReadColumn returns column idx of every line.
func ReadColumn(filename string, idx int) ([]string, error) {
	rows, err := ReadColumns(filename)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(rows))
	for i, r := range rows {
		if idx >= len(r) {
			return nil, errors.Errorf("%s:%d: no column %d", filename, i+1, idx)
		}
		out[i] = r[idx]
	}
	return out, nil
}

// readPathLabelList parses "relpath label" lines, joining paths onto dir.
func readPathLabelList(dir, filename string) ([]string, []int, error) {
	rows, err := ReadColumns(filename)
	if err != nil {
		return nil, nil, err
	}
	paths := make([]string, len(rows))
	labels := make([]int, len(rows))
	for i, r := range rows {
		if len(r) < 2 {
			return nil, nil, errors.Errorf("%s:%d: want \"path label\"", filename, i+1)
		}
		y, err := strconv.Atoi(r[1])
		if err != nil {
			return nil, nil, errors.Wrapf(err, "%s:%d: bad label", filename, i+1)
		}
		paths[i] = filepath.Join(dir, r[0])
		labels[i] = y
	}
	return paths, labels, nil
}

// ReadFloatMatrix parses whitespace-separated float rows.
func ReadFloatMatrix(filename string) ([][]float32, error) {
	rows, err := ReadColumns(filename)
	if err != nil {
		return nil, err
	}
	out := make([][]float32, len(rows))
	for i, r := range rows {
		out[i] = make([]float32, len(r))
		for j, v := range r {
			f, err := strconv.ParseFloat(v, 32)
			if err != nil {
				return nil, errors.Wrapf(err, "%s:%d", filename, i+1)
			}
			out[i][j] = float32(f)
		}
	}
	return out, nil
}
