package ssh

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
)

// UploadTree copies a local directory tree to remoteDir, preserving
// symlinks and permission bits. remoteDir is created if needed.
func (c *Client) UploadTree(ctx context.Context, localDir, remoteDir string) error {
	sc, err := c.SFTP()
	if err != nil {
		return err
	}
	if err := sc.MkdirAll(remoteDir); err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to create %s: %w", remoteDir, err), IsTemporary: true}
	}

	return filepath.WalkDir(localDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(localDir, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		remote := path.Join(remoteDir, filepath.ToSlash(rel))

		switch {
		case d.IsDir():
			if err := sc.MkdirAll(remote); err != nil {
				return &TransportError{Op: "upload", Err: fmt.Errorf("failed to create %s: %w", remote, err), IsTemporary: true}
			}
		case d.Type()&fs.ModeSymlink != 0:
			target, err := os.Readlink(p)
			if err != nil {
				return err
			}
			if err := sc.Symlink(target, remote); err != nil {
				return &TransportError{Op: "upload", Err: fmt.Errorf("failed to symlink %s: %w", remote, err), IsTemporary: true}
			}
		default:
			info, err := d.Info()
			if err != nil {
				return err
			}
			if err := c.uploadFile(ctx, p, remote, info.Mode().Perm()); err != nil {
				return err
			}
		}
		return nil
	})
}

func (c *Client) uploadFile(ctx context.Context, localPath, remotePath string, mode fs.FileMode) error {
	sc, err := c.SFTP()
	if err != nil {
		return err
	}
	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open local file: %w", err)
	}
	defer src.Close()

	dst, err := sc.Create(remotePath)
	if err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to create %s: %w", remotePath, err), IsTemporary: true}
	}
	if _, err := copyWithContext(ctx, dst, src); err != nil {
		dst.Close()
		return &TransportError{Op: "upload", Err: err, IsTemporary: true}
	}
	if err := dst.Close(); err != nil {
		return &TransportError{Op: "upload", Err: err, IsTemporary: true}
	}
	if err := sc.Chmod(remotePath, mode); err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to chmod %s: %w", remotePath, err), IsTemporary: true}
	}
	return nil
}

// DownloadTree copies remotePath, a file, symlink or directory, to
// localPath.
func (c *Client) DownloadTree(ctx context.Context, remotePath, localPath string) error {
	sc, err := c.SFTP()
	if err != nil {
		return err
	}
	walker := sc.Walk(remotePath)
	for walker.Step() {
		if err := walker.Err(); err != nil {
			return &TransportError{Op: "download", Err: err, IsTemporary: true}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(remotePath, walker.Path())
		if err != nil {
			return err
		}
		local := filepath.Join(localPath, rel)
		info := walker.Stat()

		switch {
		case info.IsDir():
			if err := os.MkdirAll(local, 0o755); err != nil {
				return err
			}
		case info.Mode()&fs.ModeSymlink != 0:
			target, err := sc.ReadLink(walker.Path())
			if err != nil {
				return &TransportError{Op: "download", Err: err, IsTemporary: true}
			}
			if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
				return err
			}
			if err := os.Symlink(target, local); err != nil {
				return err
			}
		default:
			if err := c.downloadFile(ctx, walker.Path(), local, info.Mode().Perm()); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Client) downloadFile(ctx context.Context, remotePath, localPath string, mode fs.FileMode) error {
	sc, err := c.SFTP()
	if err != nil {
		return err
	}
	src, err := sc.Open(remotePath)
	if err != nil {
		return &TransportError{Op: "download", Err: fmt.Errorf("failed to open %s: %w", remotePath, err), IsTemporary: true}
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return err
	}
	dst, err := os.OpenFile(localPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("failed to create local file: %w", err)
	}
	if _, err := copyWithContext(ctx, dst, src); err != nil {
		dst.Close()
		return &TransportError{Op: "download", Err: err, IsTemporary: true}
	}
	return dst.Close()
}

// RemoveAll deletes a remote tree.
func (c *Client) RemoveAll(ctx context.Context, remotePath string) error {
	code, err := c.Run(ctx, RunRequest{Command: "rm -rf -- " + Quote(remotePath)})
	if err != nil {
		return err
	}
	if code != 0 {
		return &TransportError{Op: "remove", Err: fmt.Errorf("rm exited with %d", code)}
	}
	return nil
}

// copyWithContext copies in chunks, checking ctx between chunks.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		nr, rerr := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			written += int64(nw)
			if werr != nil {
				return written, werr
			}
			if nw != nr {
				return written, io.ErrShortWrite
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}
