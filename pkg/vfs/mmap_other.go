//go:build !unix

package vfs

import "os"

func mapFile(path string, _ int64) ([]byte, func() error, error) {
	data, err := os.ReadFile(path)
	return data, nil, err
}
