package etl

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/raaihank/js-sentinel/internal/finding"
)

// Document is one content unit extracted from the input
type Document struct {
	SourceID string
	Content  string
}

// ProcessingResult represents the result of scanning a set of inputs
type ProcessingResult struct {
	TotalFiles  int64             `json:"total_files"`
	ScannedOK   int64             `json:"scanned_ok"`
	Failed      int64             `json:"failed"`
	Skipped     int64             `json:"skipped"`
	Dropped     int64             `json:"dropped"`
	Partial     int64             `json:"partial"`
	BytesRead   int64             `json:"bytes_read"`
	NewFindings int64             `json:"new_findings"`
	Repeats     int64             `json:"repeats"`
	Duration    time.Duration     `json:"duration"`
	ScanTime    time.Duration     `json:"scan_time"`
	Findings    []finding.Finding `json:"-"`
	Errors      []string          `json:"errors,omitempty"`
}

// Config contains scan pipeline configuration
type Config struct {
	WorkerCount    int      `yaml:"worker_count" mapstructure:"worker_count"`       // 4
	MaxFileBytes   int64    `yaml:"max_file_bytes" mapstructure:"max_file_bytes"`   // 20MB
	Extensions     []string `yaml:"extensions" mapstructure:"extensions"`           // DefaultExtensions
	SkipDirs       []string `yaml:"skip_dirs" mapstructure:"skip_dirs"`             // .git
	ProgressReport int      `yaml:"progress_report" mapstructure:"progress_report"` // 500
}

// DefaultExtensions are the file types scanned when walking directories
var DefaultExtensions = []string{".js", ".mjs", ".cjs", ".jsx", ".ts", ".tsx", ".map", ".json", ".html", ".htm"}

// DefaultConfig returns the pipeline defaults
func DefaultConfig() *Config {
	return &Config{
		WorkerCount:    4,
		MaxFileBytes:   20 * 1024 * 1024,
		Extensions:     DefaultExtensions,
		SkipDirs:       []string{".git", ".hg", ".svn"},
		ProgressReport: 500,
	}
}

// StdinSource is the source id given to content read from standard input
const StdinSource = "stdin"

// scannable reports whether a walked file has one of the configured extensions
func (c *Config) scannable(path string) bool {
	if len(c.Extensions) == 0 {
		return true
	}
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range c.Extensions {
		if strings.EqualFold(e, ext) {
			return true
		}
	}
	return false
}

func (c *Config) skipDir(name string) bool {
	for _, d := range c.SkipDirs {
		if d == name {
			return true
		}
	}
	return false
}
