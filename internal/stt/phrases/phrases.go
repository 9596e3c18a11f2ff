// Package phrases loads the optional speech-adaptation phrase list used to
// bias STT recognition toward domain vocabulary (product names, call
// scripts).
package phrases

import (
	"bufio"
	"os"
	"strings"
)

// Load parses a comma-separated phrase list from inline (e.g.
// AICC_STT_PHRASES) and, if path is non-empty, appends one phrase per line
// read from the file at path (e.g. AICC_STT_PHRASES_PATH). Blank lines and
// lines starting with # are skipped. Either source may be empty.
func Load(inline string, path string) ([]string, error) {
	var phrases []string

	for _, p := range strings.Split(inline, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			phrases = append(phrases, p)
		}
	}

	if path == "" {
		return phrases, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		phrases = append(phrases, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return phrases, nil
}
