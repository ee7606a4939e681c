package migrate

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Transport moves a packed archive to the destination host and returns
// the path it is readable at there.
type Transport interface {
	Transfer(ctx context.Context, srcPath string) (string, error)
}

// LocalTransport stages archives through a local directory. It serves
// same-machine migrations and tests; remote transports implement the
// same interface over their own channel.
type LocalTransport struct {
	StagingDir string
}

func (t *LocalTransport) Transfer(ctx context.Context, srcPath string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := os.MkdirAll(t.StagingDir, 0700); err != nil {
		return "", fmt.Errorf("failed to prepare staging directory: %w", err)
	}

	destPath := filepath.Join(t.StagingDir, filepath.Base(srcPath))
	src, err := os.Open(srcPath)
	if err != nil {
		return "", err
	}
	defer src.Close()

	dest, err := os.OpenFile(destPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(dest, src); err != nil {
		dest.Close()
		return "", fmt.Errorf("transfer failed: %w", err)
	}
	if err := dest.Close(); err != nil {
		return "", err
	}
	return destPath, nil
}
