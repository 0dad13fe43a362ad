package cli

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

// TalkRequest describes one push-to-talk submission.
type TalkRequest struct {
	// Audio is the clip file. Relative paths resolve against the request
	// file's directory.
	Audio string `yaml:"audio" json:"audio"`

	// Format overrides the format derived from the file extension.
	Format string `yaml:"format,omitempty" json:"format,omitempty"`

	// Repo overrides the context's active repository.
	Repo string `yaml:"repo,omitempty" json:"repo,omitempty"`
}

// LoadTalkRequest reads a TalkRequest from path, or from stdin when path
// is "-".
func LoadTalkRequest(path string) (*TalkRequest, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read request: %w", err)
	}

	var req TalkRequest
	if err := DecodeRequest(data, path, &req); err != nil {
		return nil, err
	}
	if req.Audio == "" {
		return nil, errors.New("request: audio is required")
	}
	if path != "-" && req.Audio != "-" && !filepath.IsAbs(req.Audio) {
		req.Audio = filepath.Join(filepath.Dir(path), req.Audio)
	}
	return &req, nil
}

// DecodeRequest decodes a request document. Files named *.json must be
// JSON; anything else is read as YAML, which accepts JSON as well.
func DecodeRequest(data []byte, name string, v any) error {
	if strings.EqualFold(filepath.Ext(name), ".json") {
		if err := json.Unmarshal(data, v); err != nil {
			return fmt.Errorf("parse %s: %w", name, err)
		}
		return nil
	}
	if err := yaml.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", name, err)
	}
	return nil
}
