package logging

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"sort"
	"sync"
	"time"
)

// CrashReport is what a CrashHandler records about a panic.
type CrashReport struct {
	Timestamp    time.Time      `json:"timestamp"`
	Version      string         `json:"version,omitempty"`
	Component    string         `json:"component"`
	GOOS         string         `json:"goos"`
	GOARCH       string         `json:"goarch"`
	NumGoroutine int            `json:"num_goroutine"`
	PanicValue   string         `json:"panic_value"`
	StackTrace   string         `json:"stack_trace"`
	Context      map[string]any `json:"context,omitempty"`
}

// CrashHandler writes a JSON report for every panic it handles.
type CrashHandler struct {
	mu        sync.Mutex
	dir       string
	component string
	version   string
	logger    *slog.Logger
	exit      func(code int)
}

// DefaultCrashDir is the crashes directory next to the default log file.
func DefaultCrashDir() string {
	return filepath.Join(filepath.Dir(defaultLogPath()), "crashes")
}

// NewCrashHandler returns a handler writing to dir, or DefaultCrashDir
// when dir is empty.
func NewCrashHandler(dir, component, version string, logger *slog.Logger) *CrashHandler {
	if dir == "" {
		dir = DefaultCrashDir()
	}
	return &CrashHandler{
		dir:       dir,
		component: component,
		version:   version,
		logger:    OrDefault(logger),
		exit:      os.Exit,
	}
}

// Dir returns the directory reports are written to.
func (h *CrashHandler) Dir() string { return h.dir }

// HandlePanic records v and returns the report. The report is logged even
// when it cannot be written.
func (h *CrashHandler) HandlePanic(v any, ctx map[string]any) CrashReport {
	h.mu.Lock()
	defer h.mu.Unlock()

	report := CrashReport{
		Timestamp:    time.Now().UTC(),
		Version:      h.version,
		Component:    h.component,
		GOOS:         runtime.GOOS,
		GOARCH:       runtime.GOARCH,
		NumGoroutine: runtime.NumGoroutine(),
		PanicValue:   fmt.Sprint(v),
		StackTrace:   string(debug.Stack()),
		Context:      ctx,
	}
	path, err := h.write(report)
	if err != nil {
		h.logger.Error("panic", "value", report.PanicValue, "stack", report.StackTrace, "write_error", err)
		return report
	}
	h.logger.Error("panic", "value", report.PanicValue, "report", path)
	return report
}

func (h *CrashHandler) write(report CrashReport) (string, error) {
	if err := os.MkdirAll(h.dir, 0750); err != nil {
		return "", fmt.Errorf("create crash dir: %w", err)
	}
	name := fmt.Sprintf("crash-%s-%s.json", report.Component, report.Timestamp.Format("20060102-150405.000"))
	path := filepath.Join(h.dir, name)
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal crash report: %w", err)
	}
	if err := os.WriteFile(path, data, 0640); err != nil {
		return "", fmt.Errorf("write crash report: %w", err)
	}
	return path, nil
}

// Recover handles a panic of the calling goroutine and exits with status
// 2. Use it as `defer h.Recover()`.
func (h *CrashHandler) Recover() {
	if r := recover(); r != nil {
		h.HandlePanic(r, nil)
		h.exit(2)
	}
}

// Reports returns the recorded reports, oldest first.
func (h *CrashHandler) Reports() ([]CrashReport, error) {
	files, err := filepath.Glob(filepath.Join(h.dir, "crash-*.json"))
	if err != nil {
		return nil, err
	}
	reports := make([]CrashReport, 0, len(files))
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			continue
		}
		var report CrashReport
		if err := json.Unmarshal(data, &report); err != nil {
			continue
		}
		reports = append(reports, report)
	}
	sort.Slice(reports, func(i, j int) bool { return reports[i].Timestamp.Before(reports[j].Timestamp) })
	return reports, nil
}

// Prune removes reports older than maxAge.
func (h *CrashHandler) Prune(maxAge time.Duration) error {
	files, err := filepath.Glob(filepath.Join(h.dir, "crash-*.json"))
	if err != nil {
		return err
	}
	cutoff := time.Now().Add(-maxAge)
	for _, file := range files {
		info, err := os.Stat(file)
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			os.Remove(file)
		}
	}
	return nil
}
