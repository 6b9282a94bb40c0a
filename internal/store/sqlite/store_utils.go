package sqlite

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
)

func encodeURLs(urls []string) (string, error) {
	if len(urls) == 0 {
		return "[]", nil
	}
	data, err := json.Marshal(urls)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeURLs(raw string) ([]string, error) {
	if raw == "" || raw == "[]" {
		return nil, nil
	}
	var urls []string
	if err := json.Unmarshal([]byte(raw), &urls); err != nil {
		return nil, err
	}
	return urls, nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nullableString(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func ensureParentDir(path string) error {
	path = strings.TrimSpace(path)
	if path == "" || path == ":memory:" || strings.HasPrefix(path, "file:") {
		return nil
	}
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
