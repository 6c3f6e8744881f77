package models

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

type LogKind string

const (
	// step status updates, start and end of each stage
	LogKindControl LogKind = "control"
	// output of the tools a stage runs
	LogKindData LogKind = "data"
)

type LogLine struct {
	Kind        LogKind     `json:"kind"`
	Content     string      `json:"content"`
	Time        time.Time   `json:"time"`
	Stage       StageName   `json:"stage"`
	StageStatus StageStatus `json:"stage_status,omitempty"`
	Stream      string      `json:"stream,omitempty"`
}

func NewDataLogLine(stage StageName, content, stream string) LogLine {
	return LogLine{
		Kind:    LogKindData,
		Time:    time.Now(),
		Content: content,
		Stage:   stage,
		Stream:  stream,
	}
}

func NewControlLogLine(stage StageName, status StageStatus, content string) LogLine {
	return LogLine{
		Kind:        LogKindControl,
		Time:        time.Now(),
		Content:     content,
		Stage:       stage,
		StageStatus: status,
	}
}

// RunLogger appends one JSON object per line to <baseDir>/<run>.log.
type RunLogger struct {
	mu      sync.Mutex
	file    *os.File
	encoder *json.Encoder
}

func NewRunLogger(baseDir string, runID int64) (*RunLogger, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("creating log dir: %w", err)
	}

	file, err := os.OpenFile(LogFilePath(baseDir, runID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("creating log file: %w", err)
	}

	return &RunLogger{
		file:    file,
		encoder: json.NewEncoder(file),
	}, nil
}

func LogFilePath(baseDir string, runID int64) string {
	return filepath.Join(baseDir, fmt.Sprintf("%d.log", runID))
}

func (l *RunLogger) Path() string {
	if l == nil {
		return ""
	}
	return l.file.Name()
}

func (l *RunLogger) Close() error {
	if l == nil {
		return nil
	}
	return l.file.Close()
}

func (l *RunLogger) encode(line LogLine) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.encoder.Encode(line)
}

// Control records a stage transition.
func (l *RunLogger) Control(stage StageName, status StageStatus, content string) error {
	if l == nil {
		return nil
	}
	return l.encode(NewControlLogLine(stage, status, content))
}

func (l *RunLogger) DataWriter(stage StageName, stream string) io.Writer {
	if l == nil {
		return io.Discard
	}
	return &dataWriter{logger: l, stage: stage, stream: stream}
}

type dataWriter struct {
	logger *RunLogger
	stage  StageName
	stream string
}

func (w *dataWriter) Write(p []byte) (int, error) {
	line := strings.TrimRight(string(p), "\r\n")
	if err := w.logger.encode(NewDataLogLine(w.stage, line, w.stream)); err != nil {
		return 0, err
	}
	return len(p), nil
}
