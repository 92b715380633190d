package sftp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"path"
	"path/filepath"
	"time"

	pkgsftp "github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

// Client copies directory trees to and from a root directory on an SFTP
// server. Remote paths given to Push and Pull are relative to that root.
type Client struct {
	sftp *pkgsftp.Client
	conn io.Closer
	root string
}

// NewClient wraps an established SFTP session. Closing the Client closes
// the session but not the connection underneath it.
func NewClient(sc *pkgsftp.Client, root string) *Client {
	if root == "" {
		root = "."
	}
	return &Client{sftp: sc, root: root}
}

// Dial connects to the server described by cfg and starts an SFTP session.
func Dial(ctx context.Context, cfg *Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	clientConfig, err := cfg.BuildSSHClientConfig()
	if err != nil {
		return nil, &TransportError{
			Op:          "connect",
			Err:         err,
			IsTemporary: false,
			IsAuthError: true,
		}
	}

	address := cfg.Address()
	log.Debug().Str("address", address).Str("root", cfg.Root).Msg("establishing SFTP connection")

	dialer := net.Dialer{Timeout: cfg.ConnectionTimeout}
	nc, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, &TransportError{
			Op:          "connect",
			Err:         fmt.Errorf("failed to dial %s: %w", address, err),
			IsTemporary: true,
			IsAuthError: false,
		}
	}

	// The handshake does not observe ctx.
	_ = nc.SetDeadline(time.Now().Add(cfg.ConnectionTimeout))
	conn, chans, reqs, err := ssh.NewClientConn(nc, address, clientConfig)
	if err != nil {
		nc.Close()
		return nil, &TransportError{
			Op:          "handshake",
			Err:         err,
			IsTemporary: false,
			IsAuthError: isAuthFailure(err),
		}
	}
	_ = nc.SetDeadline(time.Time{})

	sshClient := ssh.NewClient(conn, chans, reqs)
	sc, err := pkgsftp.NewClient(sshClient)
	if err != nil {
		sshClient.Close()
		return nil, &TransportError{
			Op:          "sftp",
			Err:         fmt.Errorf("failed to create SFTP client: %w", err),
			IsTemporary: false,
			IsAuthError: false,
		}
	}

	log.Info().Str("address", address).Msg("SFTP connection established")

	c := NewClient(sc, cfg.Root)
	c.conn = sshClient
	return c, nil
}

// Root returns the remote root directory.
func (c *Client) Root() string {
	return c.root
}

// Close ends the SFTP session and the SSH connection if Dial opened it.
func (c *Client) Close() error {
	err := c.sftp.Close()
	if c.conn != nil {
		if cerr := c.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// Push uploads every regular file below localDir to remotePath.
func (c *Client) Push(ctx context.Context, localDir, remotePath string) error {
	target := c.remote(remotePath)
	log.Debug().
		Str("local", localDir).
		Str("remote", target).
		Msg("uploading directory")

	return filepath.WalkDir(localDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		rel, err := filepath.Rel(localDir, p)
		if err != nil {
			return err
		}
		dst := path.Join(target, filepath.ToSlash(rel))

		if d.IsDir() {
			if err := c.sftp.MkdirAll(dst); err != nil {
				return &TransportError{
					Op:          "push",
					Err:         fmt.Errorf("failed to create directory %s: %w", dst, err),
					IsTemporary: false,
					IsAuthError: false,
				}
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		return c.uploadFile(ctx, p, dst)
	})
}

// Pull downloads remotePath into localDir. A missing remotePath yields an
// error wrapping fs.ErrNotExist.
func (c *Client) Pull(ctx context.Context, remotePath, localDir string) error {
	src := c.remote(remotePath)
	log.Debug().
		Str("remote", src).
		Str("local", localDir).
		Msg("downloading directory")

	if _, err := c.sftp.Stat(src); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &TransportError{
				Op:          "pull",
				Err:         fmt.Errorf("%w: %s", fs.ErrNotExist, src),
				IsTemporary: false,
				IsAuthError: false,
			}
		}
		return &TransportError{
			Op:          "pull",
			Err:         fmt.Errorf("failed to stat %s: %w", src, err),
			IsTemporary: true,
			IsAuthError: false,
		}
	}

	walker := c.sftp.Walk(src)
	for walker.Step() {
		if err := walker.Err(); err != nil {
			return fmt.Errorf("walk error: %w", err)
		}

		rel, err := filepath.Rel(filepath.FromSlash(src), filepath.FromSlash(walker.Path()))
		if err != nil {
			return fmt.Errorf("failed to get relative path: %w", err)
		}
		target := filepath.Join(localDir, rel)

		if walker.Stat().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("failed to create directory %s: %w", target, err)
			}
		} else if err := c.downloadFile(ctx, walker.Path(), target); err != nil {
			return fmt.Errorf("failed to download file %s: %w", walker.Path(), err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
	return nil
}

func (c *Client) remote(p string) string {
	return path.Join(c.root, p)
}

func (c *Client) uploadFile(ctx context.Context, localPath, remotePath string) error {
	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open local file: %w", err)
	}
	defer src.Close()

	dst, err := c.sftp.Create(remotePath)
	if err != nil {
		return &TransportError{
			Op:          "push",
			Err:         fmt.Errorf("failed to create remote file %s: %w", remotePath, err),
			IsTemporary: false,
			IsAuthError: false,
		}
	}
	defer dst.Close()

	written, err := copyWithContext(ctx, dst, src)
	if err != nil {
		return &TransportError{
			Op:          "push",
			Err:         fmt.Errorf("failed to copy %s: %w", localPath, err),
			IsTemporary: true,
			IsAuthError: false,
		}
	}

	log.Debug().
		Str("remote", remotePath).
		Int64("bytes", written).
		Msg("file uploaded")
	return nil
}

func (c *Client) downloadFile(ctx context.Context, remotePath, localPath string) error {
	src, err := c.sftp.Open(remotePath)
	if err != nil {
		return &TransportError{
			Op:          "pull",
			Err:         fmt.Errorf("failed to open remote file %s: %w", remotePath, err),
			IsTemporary: false,
			IsAuthError: false,
		}
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return fmt.Errorf("failed to create local directory: %w", err)
	}
	dst, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("failed to create local file: %w", err)
	}
	defer dst.Close()

	written, err := copyWithContext(ctx, dst, src)
	if err != nil {
		return &TransportError{
			Op:          "pull",
			Err:         fmt.Errorf("failed to copy %s: %w", remotePath, err),
			IsTemporary: true,
			IsAuthError: false,
		}
	}

	log.Debug().
		Str("local", localPath).
		Int64("bytes", written).
		Msg("file downloaded")
	return nil
}

// copyWithContext copies src to dst, checking ctx between 32KB chunks.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64

	for {
		select {
		case <-ctx.Done():
			return written, ctx.Err()
		default:
		}

		nr, err := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[0:nr])
			if nw > 0 {
				written += int64(nw)
			}
			if werr != nil {
				return written, werr
			}
			if nr != nw {
				return written, io.ErrShortWrite
			}
		}
		if err != nil {
			if err == io.EOF {
				break
			}
			return written, err
		}
	}

	return written, nil
}
