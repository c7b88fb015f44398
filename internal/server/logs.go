package server

import (
	"bufio"
	"errors"
	"io/fs"
	"os"
	"strings"
)

// logTailLines is how many lines the log endpoint returns.
const logTailLines = 100

// logNotFound is returned in place of log content when there is no log file.
const logNotFound = "Log file not found."

// tailFile returns the last n lines of path, newline-terminated.
func tailFile(path string, n int) (string, error) {
	if path == "" {
		return logNotFound, nil
	}

	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return logNotFound, nil
	}
	if err != nil {
		return "", err
	}
	defer f.Close()

	ring := make([]string, 0, n)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if len(ring) == n {
			ring = ring[1:]
		}
		ring = append(ring, scanner.Text())
	}
	if err = scanner.Err(); err != nil {
		return "", err
	}

	if len(ring) == 0 {
		return "", nil
	}
	return strings.Join(ring, "\n") + "\n", nil
}
