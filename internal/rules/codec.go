package rules

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// FileVersion is the current custom-rules file layout
const FileVersion = 1

// File is the on-disk layout of custom rules and categories
type File struct {
	Version    int        `json:"version" yaml:"version"`
	Categories []Category `json:"categories,omitempty" yaml:"categories,omitempty"`
	Rules      []Record   `json:"rules" yaml:"rules"`
}

// Format selects the file encoding
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// DetectFormat picks the encoding from a file extension, defaulting to JSON
func DetectFormat(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatJSON
	}
}

// Decode reads a rules file
func Decode(r io.Reader, format Format) (*File, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules: %w", err)
	}
	f := &File{}
	switch format {
	case FormatYAML:
		err = yaml.Unmarshal(data, f)
	default:
		err = json.Unmarshal(data, f)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s rules: %w", format, err)
	}
	if f.Version > FileVersion {
		return nil, fmt.Errorf("unsupported rules file version %d", f.Version)
	}
	return f, nil
}

// Encode writes a rules file
func Encode(w io.Writer, f *File, format Format) error {
	if f.Version == 0 {
		f.Version = FileVersion
	}
	switch format {
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(f); err != nil {
			return fmt.Errorf("failed to encode yaml rules: %w", err)
		}
		return enc.Close()
	default:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(f); err != nil {
			return fmt.Errorf("failed to encode json rules: %w", err)
		}
		return nil
	}
}

// LoadFile reads a rules file. A missing file yields an empty File.
func LoadFile(path string) (*File, error) {
	fh, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return &File{Version: FileVersion}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open rules file: %w", err)
	}
	defer fh.Close()
	return Decode(fh, DetectFormat(path))
}

// SaveFile writes a rules file through a temporary file and a rename
func SaveFile(path string, f *File) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create rules directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".rules-*")
	if err != nil {
		return fmt.Errorf("failed to create temp rules file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := Encode(tmp, f, DetectFormat(path)); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to flush rules file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to replace rules file: %w", err)
	}
	return nil
}

// Export captures the custom categories and every rule record (built-ins included for their
// enabled flag) in file form
func (r *Registry) Export() *File {
	f := &File{Version: FileVersion, Rules: r.Records(false)}
	for _, c := range r.Categories() {
		if !c.BuiltIn {
			c.RuleIDs = nil
			f.Categories = append(f.Categories, c)
		}
	}
	return f
}

// Apply loads a rules file into the registry, replacing the current custom rules
func (r *Registry) Apply(f *File) error {
	var errs []error
	for _, c := range f.Categories {
		err := r.AddCategory(c)
		if errors.Is(err, ErrDuplicateCategory) {
			err = r.UpdateCategory(c)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	if err := r.ReplaceCustom(f.Rules); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
