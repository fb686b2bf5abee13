package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// validID constrains log lookups to search-id shaped names so a request
// can never escape the audit directory.
var validID = regexp.MustCompile(`^[a-f0-9-]{1,36}$`)

// ValidID reports whether an id may be used for log lookup or deletion.
func ValidID(id string) bool {
	return validID.MatchString(id)
}

// Summary describes one audit file for the recent-logs listing, drawn
// from its metadata record.
type Summary struct {
	Filename  string `json:"filename"`
	SearchID  string `json:"search_id"`
	Query     string `json:"query"`
	Timestamp string `json:"timestamp"`
	RootModel string `json:"root_model"`
}

// LogFile is one fully-parsed audit file.
type LogFile struct {
	Metadata   map[string]any   `json:"metadata"`
	Iterations []map[string]any `json:"iterations"`
	Done       map[string]any   `json:"done,omitempty"`
	Error      map[string]any   `json:"error,omitempty"`
	Filename   string           `json:"filename"`
}

// Recent lists audit summaries newest-first, up to limit.
func Recent(dir string, limit int) ([]Summary, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read audit dir: %w", err)
	}

	var summaries []Summary
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".jsonl") {
			continue
		}
		meta, err := readMetadata(filepath.Join(dir, entry.Name()))
		if err != nil {
			continue
		}
		summaries = append(summaries, Summary{
			Filename:  entry.Name(),
			SearchID:  strings.TrimSuffix(entry.Name(), ".jsonl"),
			Query:     asString(meta["query"]),
			Timestamp: asString(meta["timestamp"]),
			RootModel: asString(meta["root_model"]),
		})
	}

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].Timestamp > summaries[j].Timestamp
	})
	if limit > 0 && len(summaries) > limit {
		summaries = summaries[:limit]
	}
	return summaries, nil
}

// Load parses one audit file by search id prefix. The first file whose
// name starts with the id wins; ids are validated by the caller.
func Load(dir, id string) (*LogFile, error) {
	path, err := resolve(dir, id)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open log: %w", err)
	}
	defer file.Close()

	log := &LogFile{Filename: filepath.Base(path)}
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var record map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			continue
		}
		switch record["type"] {
		case "metadata":
			log.Metadata = record
		case "iteration", "sub_iteration":
			log.Iterations = append(log.Iterations, record)
		case "done":
			log.Done = record
		case "error":
			log.Error = record
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan log: %w", err)
	}
	return log, nil
}

// Delete removes one audit file by id prefix.
func Delete(dir, id string) (string, error) {
	path, err := resolve(dir, id)
	if err != nil {
		return "", err
	}
	if err := os.Remove(path); err != nil {
		return "", fmt.Errorf("delete log: %w", err)
	}
	return filepath.Base(path), nil
}

// resolve maps an id prefix to an existing audit file path.
func resolve(dir, id string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("read audit dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".jsonl") {
			continue
		}
		if strings.HasPrefix(entry.Name(), id) {
			return filepath.Join(dir, entry.Name()), nil
		}
	}
	return "", os.ErrNotExist
}

func readMetadata(path string) (map[string]any, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	if !scanner.Scan() {
		return nil, fmt.Errorf("empty log file")
	}
	var meta map[string]any
	if err := json.Unmarshal(scanner.Bytes(), &meta); err != nil {
		return nil, err
	}
	if meta["type"] != "metadata" {
		return nil, fmt.Errorf("first record is not metadata")
	}
	return meta, nil
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}
