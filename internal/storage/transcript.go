// Package storage persists conversation transcripts as JSON files on disk.
package storage

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TranscriptEntry represents a single utterance in a transcript.
type TranscriptEntry struct {
	Role      string `json:"role"`
	Timestamp string `json:"timestamp"`
	Content   string `json:"content,omitempty"`
}

// TranscriptInfo summarizes a stored transcript.
type TranscriptInfo struct {
	UID         string          `json:"uid"`
	LatestEntry TranscriptEntry `json:"latest_entry"`
	Timestamp   string          `json:"timestamp"`
}

var safeNamePattern = regexp.MustCompile(`^[A-Za-z0-9_\-\.]+$`)

// TranscriptStore writes transcripts under a base directory, one
// subdirectory per device.
type TranscriptStore struct {
	baseDir string
}

// NewTranscriptStore creates a store rooted at baseDir.
func NewTranscriptStore(baseDir string) (*TranscriptStore, error) {
	if strings.TrimSpace(baseDir) == "" {
		return nil, errors.New("transcript base dir is empty")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, err
	}
	return &TranscriptStore{baseDir: baseDir}, nil
}

// Transcript is an open transcript that entries can be appended to.
type Transcript struct {
	uid  string
	path string
}

// UID returns the transcript identifier.
func (t *Transcript) UID() string { return t.uid }

// Create starts a new transcript for the given device.
func (s *TranscriptStore) Create(deviceID string) (*Transcript, error) {
	dir, err := s.ensureDeviceDir(deviceID)
	if err != nil {
		return nil, err
	}
	uid := time.Now().Format("2006-01-02_15-04-05") + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	path := filepath.Join(dir, uid+".json")
	meta := []TranscriptEntry{{Role: "metadata", Timestamp: time.Now().Format(time.RFC3339)}}
	if err := writeEntries(path, meta); err != nil {
		return nil, err
	}
	return &Transcript{uid: uid, path: path}, nil
}

// Append adds an entry to the transcript.
func (t *Transcript) Append(role string, content string) error {
	if role == "" {
		return errors.New("role is empty")
	}
	entries, err := readEntries(t.path)
	if err != nil {
		return err
	}
	entries = append(entries, TranscriptEntry{
		Role:      role,
		Timestamp: time.Now().Format(time.RFC3339),
		Content:   content,
	})
	return writeEntries(t.path, entries)
}

// Read returns the entries of a stored transcript, metadata excluded.
func (s *TranscriptStore) Read(deviceID string, uid string) ([]TranscriptEntry, error) {
	path, err := s.transcriptPath(deviceID, uid)
	if err != nil {
		return nil, err
	}
	entries, err := readEntries(path)
	if err != nil {
		return nil, err
	}
	filtered := []TranscriptEntry{}
	for _, entry := range entries {
		if entry.Role == "metadata" {
			continue
		}
		filtered = append(filtered, entry)
	}
	return filtered, nil
}

// List returns transcript summaries for the device, newest first.
func (s *TranscriptStore) List(deviceID string) []TranscriptInfo {
	list := []TranscriptInfo{}
	dir, err := s.ensureDeviceDir(deviceID)
	if err != nil {
		return list
	}
	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		return list
	}
	for _, dirEntry := range dirEntries {
		if dirEntry.IsDir() || !strings.HasSuffix(dirEntry.Name(), ".json") {
			continue
		}
		uid := strings.TrimSuffix(dirEntry.Name(), ".json")
		entries, err := readEntries(filepath.Join(dir, dirEntry.Name()))
		if err != nil {
			continue
		}
		var latest *TranscriptEntry
		for i := len(entries) - 1; i >= 0; i-- {
			if entries[i].Role == "metadata" {
				continue
			}
			entry := entries[i]
			latest = &entry
			break
		}
		if latest == nil {
			continue
		}
		list = append(list, TranscriptInfo{
			UID:         uid,
			LatestEntry: *latest,
			Timestamp:   latest.Timestamp,
		})
	}

	sort.Slice(list, func(i, j int) bool {
		return list[i].Timestamp > list[j].Timestamp
	})

	return list
}

// Delete removes a stored transcript.
func (s *TranscriptStore) Delete(deviceID string, uid string) bool {
	path, err := s.transcriptPath(deviceID, uid)
	if err != nil {
		return false
	}
	if _, err := os.Stat(path); err != nil {
		return false
	}
	return os.Remove(path) == nil
}

func (s *TranscriptStore) ensureDeviceDir(deviceID string) (string, error) {
	name := sanitizeDeviceID(deviceID)
	if !safeNamePattern.MatchString(name) {
		return "", errors.New("invalid device id")
	}
	path := filepath.Join(s.baseDir, name)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}

func (s *TranscriptStore) transcriptPath(deviceID string, uid string) (string, error) {
	name := sanitizeDeviceID(deviceID)
	if !safeNamePattern.MatchString(name) || !safeNamePattern.MatchString(uid) {
		return "", errors.New("invalid transcript path")
	}
	return filepath.Join(s.baseDir, name, uid+".json"), nil
}

// sanitizeDeviceID maps MAC-style device ids onto filesystem-safe names.
func sanitizeDeviceID(deviceID string) string {
	return strings.ReplaceAll(strings.TrimSpace(deviceID), ":", "-")
}

func readEntries(path string) ([]TranscriptEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var entries []TranscriptEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func writeEntries(path string, entries []TranscriptEntry) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
