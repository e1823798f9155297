//go:build !whispercpp

package whisper

import (
	"fmt"

	"github.com/MrWong99/vocalink/pkg/provider/stt"
)

func loadCGOModel(string) (nativeModel, error) {
	return nil, fmt.Errorf("%w: built without the whispercpp tag", stt.ErrUnavailable)
}
