package dialogue

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
)

// DefaultPrompt is the system prompt used when no prompt file is available.
//
//go:embed default_prompt.txt
var DefaultPrompt string

// LoadPrompt reads the system prompt from path. A missing or blank file
// yields [DefaultPrompt] and no error; any other read failure yields
// DefaultPrompt together with the error so the caller can log it.
func LoadPrompt(path string) (prompt string, fromFile bool, err error) {
	if path == "" {
		return DefaultPrompt, false, nil
	}
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return DefaultPrompt, false, nil
	}
	if err != nil {
		return DefaultPrompt, false, fmt.Errorf("dialogue: read prompt %q: %w", path, err)
	}
	if strings.TrimSpace(string(b)) == "" {
		return DefaultPrompt, false, nil
	}
	return string(b), true, nil
}
