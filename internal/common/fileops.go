package common

import (
	"os"
	"sort"
)

// ReadBlob reads data from a file and returns it as a byte slice
func ReadBlob(path string) ([]byte, error) {
	return os.ReadFile(path)
}

// ListFiles returns the names of the regular files directly inside dir, sorted
func ListFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var names []string
	for _, entry := range entries {
		if entry.Type().IsRegular() {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}
