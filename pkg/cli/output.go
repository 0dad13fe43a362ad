package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/goccy/go-yaml"
)

// Format selects how command results are written.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
	// FormatLines writes one compact JSON value per line, for streams.
	FormatLines Format = "jsonl"
)

// Printer writes command results in one format.
type Printer struct {
	format Format
	w      io.Writer
	file   *os.File
}

// NewPrinter writes to file, or to stdout when file is empty. An empty
// format means YAML.
func NewPrinter(format Format, file string) (*Printer, error) {
	if format == "" {
		format = FormatYAML
	}
	switch format {
	case FormatYAML, FormatJSON, FormatLines:
	default:
		return nil, fmt.Errorf("unsupported output format %q", format)
	}
	p := &Printer{format: format, w: os.Stdout}
	if file != "" {
		f, err := os.Create(file)
		if err != nil {
			return nil, fmt.Errorf("create output file: %w", err)
		}
		p.w, p.file = f, f
	}
	return p, nil
}

// Print writes one result.
func (p *Printer) Print(v any) error {
	switch p.format {
	case FormatJSON:
		enc := json.NewEncoder(p.w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case FormatLines:
		return json.NewEncoder(p.w).Encode(v)
	default:
		data, err := yaml.Marshal(v)
		if err != nil {
			return fmt.Errorf("format output: %w", err)
		}
		_, err = p.w.Write(data)
		return err
	}
}

// Close closes the output file, if any.
func (p *Printer) Close() error {
	if p.file == nil {
		return nil
	}
	return p.file.Close()
}
