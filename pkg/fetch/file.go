package fetch

import (
	"fmt"
	"net/url"
	"os"

	"github.com/slateboard/slateboard/pkg/engine"
)

// fetchFile reads content from the local filesystem. file URLs carry an
// absolute path: file:///boards/remap.star.
func (f *Fetcher) fetchFile(u *url.URL) ([]byte, error) {
	path := u.Path
	if path == "" {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("file url has no path: %q", u.String()), nil).
			WithCode(engine.ErrCodeValidation)
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("content not found at %s", path), err)
	}
	if info.IsDir() {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("content path is a directory: %s", path), nil).
			WithCode(engine.ErrCodeValidation)
	}
	if info.Size() > f.cfg.MaxContentBytes {
		return nil, f.sizeError(u.String(), info.Size())
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("failed to read %s", path), err)
	}
	return data, nil
}
