package utils

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"
)

// CopyFile copies src to dst, truncating dst.
func CopyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("copy %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("copy %s: %w", src, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copy %s: %w", src, err)
	}
	return out.Close()
}

// Archive copies path to path suffixed with the unix time of now. A missing
// path is not an error.
func Archive(path string, now time.Time) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	return CopyFile(path, path+strconv.FormatInt(now.Unix(), 10))
}

// LastLine returns the last non-empty line of data.
func LastLine(data []byte) string {
	end := len(data)
	for end > 0 && (data[end-1] == '\n' || data[end-1] == '\r') {
		end--
	}
	start := end
	for start > 0 && data[start-1] != '\n' {
		start--
	}
	return string(data[start:end])
}
