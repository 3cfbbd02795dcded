package export

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
	"unicode"

	"github.com/segmentio/parquet-go"

	"github.com/raaihank/js-sentinel/internal/finding"
)

// Format is an export layout
type Format string

const (
	FormatJSON      Format = "json"
	FormatJSONLines Format = "jsonl"
	FormatGrouped   Format = "grouped"
	FormatParquet   Format = "parquet"
)

// ParseFormat resolves a format name, defaulting to JSON
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case "", FormatJSON:
		return FormatJSON, nil
	case FormatJSONLines, "ndjson":
		return FormatJSONLines, nil
	case FormatGrouped:
		return FormatGrouped, nil
	case FormatParquet:
		return FormatParquet, nil
	default:
		return "", fmt.Errorf("unsupported export format: %s", s)
	}
}

// DetectFormat picks a format from a file name
func DetectFormat(filename string) Format {
	switch {
	case strings.HasSuffix(filename, ".parquet"):
		return FormatParquet
	case strings.HasSuffix(filename, ".jsonl"), strings.HasSuffix(filename, ".ndjson"):
		return FormatJSONLines
	default:
		return FormatJSON
	}
}

// ContentType returns the HTTP content type of a format
func (f Format) ContentType() string {
	switch f {
	case FormatParquet:
		return "application/vnd.apache.parquet"
	case FormatJSONLines:
		return "application/x-ndjson"
	default:
		return "application/json"
	}
}

// Extension returns the file extension of a format
func (f Format) Extension() string {
	switch f {
	case FormatParquet:
		return ".parquet"
	case FormatJSONLines:
		return ".jsonl"
	default:
		return ".json"
	}
}

// Write serializes findings in the given format
func Write(w io.Writer, format Format, fs []finding.Finding) error {
	switch format {
	case FormatJSON:
		return WriteJSON(w, fs)
	case FormatJSONLines:
		return WriteJSONLines(w, fs)
	case FormatGrouped:
		return WriteGrouped(w, fs)
	case FormatParquet:
		return WriteParquet(w, fs)
	default:
		return fmt.Errorf("unsupported export format: %s", format)
	}
}

// WriteJSON writes findings as one indented JSON array
func WriteJSON(w io.Writer, fs []finding.Finding) error {
	if fs == nil {
		fs = []finding.Finding{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(fs)
}

// WriteJSONLines writes one JSON object per finding
func WriteJSONLines(w io.Writer, fs []finding.Finding) error {
	enc := json.NewEncoder(w)
	for _, f := range fs {
		if err := enc.Encode(f); err != nil {
			return fmt.Errorf("failed to encode finding: %w", err)
		}
	}
	return nil
}

// WriteGrouped writes display values grouped by category
func WriteGrouped(w io.Writer, fs []finding.Finding) error {
	grouped := make(map[string][]string)
	for _, f := range fs {
		grouped[f.Category] = append(grouped[f.Category], f.Display())
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(grouped)
}

// Row is the parquet layout of a finding. Timestamps are unix milliseconds.
type Row struct {
	Key       string `parquet:"dedup_key"`
	Category  string `parquet:"category"`
	RuleID    string `parquet:"rule_id"`
	RuleName  string `parquet:"rule_name"`
	Value     string `parquet:"value"`
	Masked    string `parquet:"masked,optional"`
	Context   string `parquet:"context,optional"`
	SourceID  string `parquet:"source_id"`
	FirstSeen int64  `parquet:"first_seen"`
	LastSeen  int64  `parquet:"last_seen"`
	Count     int64  `parquet:"occurrences"`
}

// RowOf converts a finding to its parquet row
func RowOf(f finding.Finding) Row {
	return Row{
		Key:       f.Key,
		Category:  f.Category,
		RuleID:    f.RuleID,
		RuleName:  f.RuleName,
		Value:     f.Value,
		Masked:    f.Masked,
		Context:   f.Context,
		SourceID:  f.SourceID,
		FirstSeen: f.FirstSeen.UnixMilli(),
		LastSeen:  f.LastSeen.UnixMilli(),
		Count:     f.Count,
	}
}

// Finding converts a parquet row back to a finding
func (r Row) Finding() finding.Finding {
	return finding.Finding{
		Key:       r.Key,
		Category:  r.Category,
		RuleID:    r.RuleID,
		RuleName:  r.RuleName,
		Value:     r.Value,
		Masked:    r.Masked,
		Context:   r.Context,
		SourceID:  r.SourceID,
		FirstSeen: time.UnixMilli(r.FirstSeen).UTC(),
		LastSeen:  time.UnixMilli(r.LastSeen).UTC(),
		Count:     r.Count,
	}
}

// WriteParquet writes findings as a parquet file
func WriteParquet(w io.Writer, fs []finding.Finding) error {
	writer := parquet.NewWriter(w, parquet.SchemaOf(new(Row)))
	for _, f := range fs {
		row := RowOf(f)
		if err := writer.Write(&row); err != nil {
			writer.Close()
			return fmt.Errorf("failed to write parquet row: %w", err)
		}
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to finish parquet file: %w", err)
	}
	return nil
}

// ReadParquet reads findings written by WriteParquet
func ReadParquet(r io.ReaderAt) ([]finding.Finding, error) {
	reader := parquet.NewReader(r)
	defer reader.Close()

	var out []finding.Finding
	for {
		var row Row
		err := reader.Read(&row)
		if err == io.EOF {
			break
		}
		if err != nil {
			return out, fmt.Errorf("failed to read parquet row: %w", err)
		}
		out = append(out, row.Finding())
	}
	return out, nil
}

// ReadJSON reads a JSON array or JSON lines of findings
func ReadJSON(r io.Reader) ([]finding.Finding, error) {
	br := bufio.NewReader(r)
	for {
		b, err := br.Peek(1)
		if err == io.EOF {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read findings: %w", err)
		}
		if !unicode.IsSpace(rune(b[0])) {
			break
		}
		br.ReadByte()
	}

	dec := json.NewDecoder(br)
	if b, _ := br.Peek(1); b[0] == '[' {
		var out []finding.Finding
		if err := dec.Decode(&out); err != nil {
			return nil, fmt.Errorf("failed to decode findings: %w", err)
		}
		return out, nil
	}

	var out []finding.Finding
	for {
		var f finding.Finding
		err := dec.Decode(&f)
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, fmt.Errorf("failed to decode finding: %w", err)
		}
		out = append(out, f)
	}
}

// ReadFile loads findings from a parquet, JSON or JSON lines file chosen by extension
func ReadFile(path string) ([]finding.Finding, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open findings file: %w", err)
	}
	defer fh.Close()

	if DetectFormat(path) == FormatParquet {
		return ReadParquet(fh)
	}
	return ReadJSON(fh)
}
