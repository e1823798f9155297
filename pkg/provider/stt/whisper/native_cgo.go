//go:build whispercpp

package whisper

import (
	"errors"
	"fmt"
	"io"
	"strings"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
)

// cgoModel wraps a whisper.cpp model. Each transcription gets its own
// context; contexts are not safe for concurrent use but the model is.
type cgoModel struct {
	model whisperlib.Model
}

func loadCGOModel(path string) (nativeModel, error) {
	m, err := whisperlib.New(path)
	if err != nil {
		return nil, err
	}
	return &cgoModel{model: m}, nil
}

func (m *cgoModel) transcribe(samples []float32, language string) (string, error) {
	wctx, err := m.model.NewContext()
	if err != nil {
		return "", fmt.Errorf("create context: %w", err)
	}
	if language != "" {
		if err := wctx.SetLanguage(language); err != nil {
			return "", fmt.Errorf("set language %q: %w", language, err)
		}
	}
	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return "", fmt.Errorf("process audio: %w", err)
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("read segment: %w", err)
		}
		if text := strings.TrimSpace(segment.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " "), nil
}

func (m *cgoModel) Close() error { return m.model.Close() }
