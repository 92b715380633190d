package track

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/openfroyo/gridlab/pkg/transports/s3"
	"github.com/openfroyo/gridlab/pkg/transports/sftp"
)

// Mirror copies trial data to and from a remote root. Paths passed to Push
// and Pull are relative to that root. Pull of a missing path returns an error
// wrapping fs.ErrNotExist.
type Mirror interface {
	Push(ctx context.Context, localDir, remotePath string) error
	Pull(ctx context.Context, remotePath, localDir string) error
	Close() error
}

// NewMirror opens the mirror for remote: sftp:// URIs go over SFTP, s3:// URIs
// to a bucket, plain paths and file:// URIs are copied on the local
// filesystem.
func NewMirror(ctx context.Context, remote string) (Mirror, error) {
	if !strings.Contains(remote, "://") {
		return &FileMirror{Root: remote}, nil
	}

	u, err := url.Parse(remote)
	if err != nil {
		return nil, fmt.Errorf("invalid remote %q: %w", remote, err)
	}
	switch u.Scheme {
	case "file":
		return &FileMirror{Root: u.Path}, nil
	case "sftp":
		cfg, err := sftp.ParseURI(remote)
		if err != nil {
			return nil, err
		}
		client, err := sftp.Dial(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return client, nil
	case "s3":
		cfg, err := s3.ParseURI(remote)
		if err != nil {
			return nil, err
		}
		client, err := s3.Dial(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return client, nil
	default:
		return nil, fmt.Errorf("unsupported remote scheme %q", u.Scheme)
	}
}

// FileMirror mirrors to a directory on a locally mounted filesystem.
type FileMirror struct {
	Root string
}

func (m *FileMirror) Push(ctx context.Context, localDir, remotePath string) error {
	return copyTree(ctx, localDir, filepath.Join(m.Root, filepath.FromSlash(remotePath)))
}

func (m *FileMirror) Pull(ctx context.Context, remotePath, localDir string) error {
	src := filepath.Join(m.Root, filepath.FromSlash(remotePath))
	if _, err := os.Stat(src); errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", fs.ErrNotExist, src)
	}
	return copyTree(ctx, src, localDir)
}

func (m *FileMirror) Close() error { return nil }

// copyTree copies the regular files below src into dst, creating directories
// as needed. Existing files are overwritten.
func copyTree(ctx context.Context, src, dst string) error {
	return filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		return copyFile(p, target)
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
