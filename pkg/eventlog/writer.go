// Package eventlog provides daily-rotated JSONL logging of routed messages
// and other structured records for observability.
package eventlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"agentrelay/pkg/proto"
)

// Writer appends JSON records to daily rotated JSONL files named
// <prefix>-YYYY-MM-DD.jsonl under the log directory.
type Writer struct {
	logDir      string
	prefix      string
	mu          sync.Mutex
	currentFile *os.File
	currentDate string
}

// NewWriter creates a writer rooted at logDir with the given file prefix.
func NewWriter(logDir, prefix string) (*Writer, error) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	if prefix == "" {
		prefix = "events"
	}

	writer := &Writer{
		logDir: logDir,
		prefix: prefix,
	}

	if err := writer.rotateIfNeeded(); err != nil {
		return nil, fmt.Errorf("failed to initialize log file: %w", err)
	}

	return writer, nil
}

// WriteMessage writes an agent message to the current log file with automatic
// rotation.
func (w *Writer) WriteMessage(msg *proto.Message) error {
	return w.WriteRecord(msg)
}

// WriteRecord writes any JSON-serializable record as one JSONL line.
func (w *Writer) WriteRecord(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.rotateIfNeeded(); err != nil {
		return fmt.Errorf("failed to rotate log file: %w", err)
	}

	jsonData, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to serialize record: %w", err)
	}

	if _, err := w.currentFile.Write(jsonData); err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}
	if _, err := w.currentFile.WriteString("\n"); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}

	if err := w.currentFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync file: %w", err)
	}

	return nil
}

func (w *Writer) rotateIfNeeded() error {
	newDate := time.Now().Format("2006-01-02")

	if w.currentFile == nil || w.currentDate != newDate {
		return w.rotate(newDate)
	}
	return nil
}

func (w *Writer) rotate(newDate string) error {
	if w.currentFile != nil {
		if err := w.currentFile.Close(); err != nil {
			return fmt.Errorf("failed to close current log file: %w", err)
		}
	}

	filename := fmt.Sprintf("%s-%s.jsonl", w.prefix, newDate)
	path := filepath.Join(w.logDir, filename)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file %s: %w", path, err)
	}

	w.currentFile = file
	w.currentDate = newDate

	return nil
}

// Close closes the current log file and cleans up resources.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.currentFile != nil {
		err := w.currentFile.Close()
		w.currentFile = nil
		if err != nil {
			return fmt.Errorf("failed to close event log file: %w", err)
		}
	}

	return nil
}

// CurrentLogFile returns the path of the currently active log file.
func (w *Writer) CurrentLogFile() string {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.currentFile == nil {
		return ""
	}
	return filepath.Join(w.logDir, fmt.Sprintf("%s-%s.jsonl", w.prefix, w.currentDate))
}

// ReadMessages reads and parses messages from a specific log file.
func ReadMessages(logFilePath string) ([]*proto.Message, error) {
	file, err := os.Open(logFilePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	defer file.Close()

	var messages []*proto.Message
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		msg, err := proto.FromJSON(line)
		if err != nil {
			return nil, fmt.Errorf("failed to parse message: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read log file: %w", err)
	}

	return messages, nil
}

// ListLogFiles returns all log files with the given prefix in the directory.
func ListLogFiles(logDir, prefix string) ([]string, error) {
	if prefix == "" {
		prefix = "events"
	}
	files, err := filepath.Glob(filepath.Join(logDir, prefix+"-*.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("failed to list log files: %w", err)
	}
	return files, nil
}
