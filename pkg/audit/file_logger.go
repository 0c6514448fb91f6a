package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// FileSink writes audit events to newline-delimited JSON files. It backs the
// dead-letter store of the QueuedRecorder.
type FileSink struct {
	basePath string
	prefix   string
	file     *os.File
	mu       sync.Mutex
	replayMu sync.Mutex
	encoder  *json.Encoder
	rotate   bool
	maxSize  int64 // Max file size in bytes before rotation
	maxFiles int   // Max number of rotated files to keep, negative keeps all
	log      *logrus.Logger
}

// FileSinkConfig configures the file sink
type FileSinkConfig struct {
	BasePath string // Base directory for audit files
	Prefix   string // File name prefix (default: audit)
	Rotate   bool   // Enable rotation
	MaxSize  int64  // Max file size in bytes (default: 100MB)
	MaxFiles int    // Max number of rotated files to keep (default: 10, negative keeps all)
}

// DefaultFileSinkConfig returns default configuration
func DefaultFileSinkConfig() FileSinkConfig {
	return FileSinkConfig{
		BasePath: "/var/lib/permitd/audit",
		Prefix:   "audit",
		Rotate:   true,
		MaxSize:  100 * 1024 * 1024, // 100MB
		MaxFiles: 10,
	}
}

// DeadLetterConfig returns the configuration used for undeliverable events.
// Rotated files are never removed because each one holds unreplayed events.
func DeadLetterConfig(dir string) FileSinkConfig {
	return FileSinkConfig{
		BasePath: dir,
		Prefix:   "deadletter",
		Rotate:   true,
		MaxSize:  10 * 1024 * 1024,
		MaxFiles: -1,
	}
}

// NewFileSink creates a new file-based audit sink
func NewFileSink(config FileSinkConfig, log *logrus.Logger) (*FileSink, error) {
	if log == nil {
		log = logrus.New()
	}

	// Create base directory if it doesn't exist
	if err := os.MkdirAll(config.BasePath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}

	sink := &FileSink{
		basePath: config.BasePath,
		prefix:   config.Prefix,
		rotate:   config.Rotate,
		maxSize:  config.MaxSize,
		maxFiles: config.MaxFiles,
		log:      log,
	}

	if sink.prefix == "" {
		sink.prefix = "audit"
	}
	if sink.maxSize == 0 {
		sink.maxSize = 100 * 1024 * 1024 // 100MB default
	}
	if sink.maxFiles == 0 {
		sink.maxFiles = 10
	}

	if err := sink.openFile(); err != nil {
		return nil, err
	}

	return sink, nil
}

func (l *FileSink) currentPath() string {
	return filepath.Join(l.basePath, l.prefix+".log")
}

// openFile opens or creates the current file, rotating it first when full
func (l *FileSink) openFile() error {
	filename := l.currentPath()

	if l.rotate {
		if info, err := os.Stat(filename); err == nil && info.Size() >= l.maxSize {
			if err := l.rotateFile(); err != nil {
				return fmt.Errorf("failed to rotate audit file: %w", err)
			}
		}
	}

	file, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open audit file: %w", err)
	}

	l.file = file
	l.encoder = json.NewEncoder(file)

	return nil
}

// rotateFile seals the current file under a timestamped name. Names sort in
// creation order.
func (l *FileSink) rotateFile() error {
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}

	timestamp := time.Now().UTC().Format("20060102T150405.000000000")
	rotated := filepath.Join(l.basePath, fmt.Sprintf("%s-%s.log", l.prefix, timestamp))

	if err := os.Rename(l.currentPath(), rotated); err != nil {
		return fmt.Errorf("failed to rename audit file: %w", err)
	}

	if err := l.cleanupOldFiles(); err != nil {
		l.log.WithError(err).Warn("Failed to clean up old audit files")
	}

	return nil
}

// rotatedFiles lists sealed files, oldest first
func (l *FileSink) rotatedFiles() ([]string, error) {
	files, err := filepath.Glob(filepath.Join(l.basePath, l.prefix+"-*.log"))
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

// cleanupOldFiles removes the oldest rotated files beyond the retention limit
func (l *FileSink) cleanupOldFiles() error {
	if l.maxFiles < 0 {
		return nil
	}

	files, err := l.rotatedFiles()
	if err != nil {
		return err
	}

	if len(files) > l.maxFiles {
		for _, file := range files[:len(files)-l.maxFiles] {
			if err := os.Remove(file); err != nil {
				l.log.WithError(err).WithField("file", file).Warn("Failed to remove old audit file")
			}
		}
	}

	return nil
}

// Write appends the event as one JSON line
func (l *FileSink) Write(ctx context.Context, event *AuditEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return fmt.Errorf("audit file sink is closed")
	}

	if l.rotate {
		if info, err := l.file.Stat(); err == nil && info.Size() >= l.maxSize {
			if err := l.openFile(); err != nil {
				return fmt.Errorf("failed to rotate audit file: %w", err)
			}
		}
	}

	if err := l.encoder.Encode(event); err != nil {
		return fmt.Errorf("failed to write audit event: %w", err)
	}

	return nil
}

// Close closes the current file
func (l *FileSink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		err := l.file.Close()
		l.file = nil
		return err
	}

	return nil
}

// ReadEvents reads up to count events from the current file. A count of zero
// reads every event.
func (l *FileSink) ReadEvents(count int) ([]*AuditEvent, error) {
	file, err := os.Open(l.currentPath())
	if err != nil {
		return nil, fmt.Errorf("failed to open audit file: %w", err)
	}
	defer file.Close()

	var events []*AuditEvent
	decoder := json.NewDecoder(file)

	for {
		var event AuditEvent
		if err := decoder.Decode(&event); err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("failed to decode audit entry: %w", err)
		}
		events = append(events, &event)

		if count > 0 && len(events) >= count {
			break
		}
	}

	return events, nil
}

// Replay seals the current file and writes every stored event to sink, oldest
// first. Fully replayed files are removed. When a write fails, the file is
// rewritten to hold only the events not yet delivered and the error is
// returned. Replay returns the number of events delivered.
func (l *FileSink) Replay(ctx context.Context, sink Sink) (int, error) {
	l.replayMu.Lock()
	defer l.replayMu.Unlock()

	l.mu.Lock()
	if l.file != nil {
		if info, err := l.file.Stat(); err == nil && info.Size() > 0 {
			if err := l.rotateFile(); err != nil {
				l.mu.Unlock()
				return 0, err
			}
			if err := l.openFile(); err != nil {
				l.mu.Unlock()
				return 0, err
			}
		}
	}
	files, err := l.rotatedFiles()
	l.mu.Unlock()
	if err != nil {
		return 0, fmt.Errorf("failed to list audit files: %w", err)
	}

	total := 0
	for _, path := range files {
		n, err := l.replayFile(ctx, path, sink)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (l *FileSink) replayFile(ctx context.Context, path string, sink Sink) (int, error) {
	events, err := l.readFile(path)
	if err != nil {
		return 0, err
	}

	for i, event := range events {
		if err := ctx.Err(); err != nil {
			return i, l.keepRemainder(path, events[i:], err)
		}
		event.ID = 0
		if err := sink.Write(ctx, event); err != nil {
			return i, l.keepRemainder(path, events[i:], err)
		}
	}

	if err := os.Remove(path); err != nil {
		return len(events), fmt.Errorf("failed to remove replayed audit file: %w", err)
	}
	return len(events), nil
}

// readFile decodes one event per line. Lines that cannot be decoded are
// logged in full and skipped.
func (l *FileSink) readFile(path string) ([]*AuditEvent, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit file: %w", err)
	}
	defer file.Close()

	var events []*AuditEvent
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		event, err := FromJSON(line)
		if err != nil {
			l.log.WithFields(logrus.Fields{
				"file":  path,
				"entry": string(line),
			}).WithError(err).Error("Skipping unreadable audit entry")
			continue
		}
		events = append(events, event)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read audit file: %w", err)
	}
	return events, nil
}

func (l *FileSink) keepRemainder(path string, remaining []*AuditEvent, cause error) error {
	tmp := path + ".tmp"
	file, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to rewrite audit file after %v: %w", cause, err)
	}
	encoder := json.NewEncoder(file)
	for _, event := range remaining {
		if err := encoder.Encode(event); err != nil {
			file.Close()
			return fmt.Errorf("failed to rewrite audit file after %v: %w", cause, err)
		}
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("failed to rewrite audit file after %v: %w", cause, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to rewrite audit file after %v: %w", cause, err)
	}
	return fmt.Errorf("replay stopped with %d events pending: %w", len(remaining), cause)
}
