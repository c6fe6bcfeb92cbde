package depth

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
)

// WriteFloatMap stores m as raw little-endian float32 values, the layout
// numpy.fromfile(path, "<f4") reads back.
func WriteFloatMap(path string, m []float32) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	if err := binary.Write(w, binary.LittleEndian, m); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}

// ReadFloatMap loads a map written by WriteFloatMap.
func ReadFloatMap(path string) ([]float32, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("%s: size %d is not a multiple of 4", path, len(data))
	}
	m := make([]float32, len(data)/4)
	if _, err := binary.Decode(data, binary.LittleEndian, m); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// MapName names the file for one map of frame index. Maps of plane sets
// after the first carry the set number.
func MapName(kind string, set, index int) string {
	if set == 0 {
		return fmt.Sprintf("%s_%03d.bin", kind, index)
	}
	return fmt.Sprintf("%s%d_%03d.bin", kind, set, index)
}

// WriteMaps stores every map of f in dir and returns the written paths.
func (f *Frame) WriteMaps(dir string, index int) ([]string, error) {
	var paths []string
	for i, r := range f.Sets {
		maps := []struct {
			kind string
			data []float32
		}{
			{"depth", r.Depth},
			{"confidence", r.Confidence},
			{"amplitude", r.Amplitude},
			{"intensity", r.Intensity},
		}
		for _, m := range maps {
			if m.data == nil {
				continue
			}
			path := filepath.Join(dir, MapName(m.kind, i, index))
			if err := WriteFloatMap(path, m.data); err != nil {
				return paths, err
			}
			paths = append(paths, path)
		}
	}
	return paths, nil
}
