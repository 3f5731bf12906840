package capture

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// invalidPathChars are stripped from titles before they become filenames.
const invalidPathChars = `/\:*?"<>|`

// sanitizeTitle turns a stream title into a safe filename component.
func sanitizeTitle(title string) string {
	var b strings.Builder
	for _, r := range title {
		if r < 0x20 || strings.ContainsRune(invalidPathChars, r) {
			continue
		}
		b.WriteRune(r)
	}
	out := strings.TrimSpace(b.String())
	if out == "" {
		out = "stream"
	}
	// Keep filenames comfortably under filesystem limits.
	if len(out) > 150 {
		out = strings.TrimSpace(out[:150])
	}
	return out
}

// outputPath builds `<base>/<streamer>/[YYYY-MM-DD] <title>.mp4`, creating the
// streamer directory and de-duplicating with a " (n)" suffix when the file
// already exists.
func outputPath(base, streamer, title string, now time.Time) (string, error) {
	dir := filepath.Join(base, streamer)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("mkdir %s: %w", dir, err)
	}
	stem := fmt.Sprintf("[%s] %s", now.Format("2006-01-02"), sanitizeTitle(title))
	path := filepath.Join(dir, stem+".mp4")
	for n := 1; ; n++ {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return path, nil
		}
		path = filepath.Join(dir, fmt.Sprintf("%s (%d).mp4", stem, n))
	}
}
