package ssh

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"github.com/pkg/sftp"
)

// skipDirs are local directories that are never copied; the host keeps its own.
var skipDirs = map[string]bool{
	".terraform": true,
}

// Upload copies localDir to the request's remote directory over SFTP,
// replacing files that already exist there.
func (c *Client) Upload(ctx context.Context, localDir, requestID string) error {
	if requestID == "" || requestID != path.Base(requestID) || requestID == "." || requestID == ".." {
		return &TransportError{Op: "upload", Err: fmt.Errorf("invalid request id %q", requestID)}
	}
	remoteDir := c.config.RemoteDir(requestID)

	client, err := c.conn(ctx)
	if err != nil {
		return err
	}
	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to start sftp: %w", err), IsTemporary: true}
	}
	defer sftpClient.Close()

	c.logger.Debug().
		Str("local", localDir).
		Str("remote", remoteDir).
		Msg("uploading workspace")

	count := 0
	err = filepath.WalkDir(localDir, func(p string, d fs.DirEntry, err error) error {
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
		target := path.Join(remoteDir, filepath.ToSlash(rel))

		if d.IsDir() {
			if skipDirs[d.Name()] && p != localDir {
				return filepath.SkipDir
			}
			if err := sftpClient.MkdirAll(target); err != nil {
				return fmt.Errorf("failed to create directory %s: %w", target, err)
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if err := uploadFile(sftpClient, p, target, info.Mode().Perm()); err != nil {
			return err
		}
		count++
		return nil
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return &TransportError{Op: "upload", Err: err, IsTemporary: true}
	}

	c.logger.Info().
		Str("remote", remoteDir).
		Int("files", count).
		Msg("workspace uploaded")
	return nil
}

func uploadFile(client *sftp.Client, localPath, remotePath string, mode os.FileMode) error {
	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open local file: %w", err)
	}
	defer src.Close()

	dst, err := client.OpenFile(remotePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return fmt.Errorf("failed to create remote file %s: %w", remotePath, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return fmt.Errorf("failed to copy %s: %w", localPath, err)
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("failed to close remote file %s: %w", remotePath, err)
	}
	if err := client.Chmod(remotePath, mode); err != nil {
		return fmt.Errorf("failed to set permissions on %s: %w", remotePath, err)
	}
	return nil
}
