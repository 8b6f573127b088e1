package artifact

import (
	"context"
	"errors"
	"io"
	"os"
)

// FileSource reads artifacts from the local filesystem ("path" parameter).
type FileSource struct{}

func (FileSource) Open(ctx context.Context, p Params) (io.ReadCloser, error) {
	path := p["path"]
	if path == "" {
		return nil, errors.New("artifact: file method requires a path parameter")
	}
	return os.Open(path)
}
