package upload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"strconv"
	"strings"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/cjeanneret/fotobox/internal/config"
	"github.com/cjeanneret/fotobox/internal/debug"
)

// remoteFS is the part of an SFTP session the uploader needs.
type remoteFS interface {
	MkdirAll(dir string) error
	Create(name string) (io.WriteCloser, error)
	Close() error
}

type dialFunc func(ctx context.Context, uc config.UploadConfig) (remoteFS, error)

func (s *Service) uploadSFTP(ctx context.Context, uc config.UploadConfig, file string, meta Metadata) (string, error) {
	fs, err := s.dial(ctx, uc)
	if err != nil {
		return "", err
	}
	defer fs.Close()

	now := s.now()
	dir := path.Join(uc.RemotePath, now.Format("2006"), now.Format("01"), now.Format("02"))
	if err := fs.MkdirAll(dir); err != nil {
		return "", fmt.Errorf("sftp mkdir %s: %w", dir, err)
	}

	name, _ := meta["filename"].(string)
	remoteName := now.Format("150405") + "_" + name
	remotePath := path.Join(dir, remoteName)
	if err := putFile(fs, file, remotePath); err != nil {
		return "", err
	}

	sidecar, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return "", err
	}
	metaPath := path.Join(dir, strings.TrimSuffix(remoteName, path.Ext(remoteName))+".json")
	if err := putBytes(fs, sidecar, metaPath); err != nil {
		return "", err
	}
	debug.Verbose("upload: sftp wrote %s and %s", remotePath, metaPath)
	return remotePath, nil
}

func putFile(fs remoteFS, local, remote string) error {
	src, err := os.Open(local)
	if err != nil {
		return err
	}
	defer src.Close()
	dst, err := fs.Create(remote)
	if err != nil {
		return fmt.Errorf("sftp create %s: %w", remote, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return fmt.Errorf("sftp write %s: %w", remote, err)
	}
	return dst.Close()
}

func putBytes(fs remoteFS, data []byte, remote string) error {
	dst, err := fs.Create(remote)
	if err != nil {
		return fmt.Errorf("sftp create %s: %w", remote, err)
	}
	if _, err := dst.Write(data); err != nil {
		dst.Close()
		return fmt.Errorf("sftp write %s: %w", remote, err)
	}
	return dst.Close()
}

type sftpSession struct {
	*sftp.Client
	conn *ssh.Client
}

func (s *sftpSession) Create(name string) (io.WriteCloser, error) {
	return s.Client.Create(name)
}

func (s *sftpSession) Close() error {
	return errors.Join(s.Client.Close(), s.conn.Close())
}

// dialSFTP opens an SSH connection bounded by ctx's deadline and starts an
// SFTP session on it.
func dialSFTP(ctx context.Context, uc config.UploadConfig) (remoteFS, error) {
	if uc.Host == "" || uc.Username == "" {
		return nil, fmt.Errorf("%w: upload.host and upload.username are required for sftp", ErrNotConfigured)
	}
	cc, err := clientConfig(uc)
	if err != nil {
		return nil, err
	}

	addr := net.JoinHostPort(uc.Host, strconv.Itoa(uc.Port))
	var d net.Dialer
	raw, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("sftp dial %s: %w", addr, err)
	}
	if dl, ok := ctx.Deadline(); ok {
		raw.SetDeadline(dl)
	}
	c, chans, reqs, err := ssh.NewClientConn(raw, addr, cc)
	if err != nil {
		raw.Close()
		return nil, fmt.Errorf("ssh handshake %s: %w", addr, err)
	}
	conn := ssh.NewClient(c, chans, reqs)
	client, err := sftp.NewClient(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("sftp session: %w", err)
	}
	debug.Verbose("upload: sftp connected to %s as %s", addr, uc.Username)
	return &sftpSession{Client: client, conn: conn}, nil
}

func clientConfig(uc config.UploadConfig) (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod
	if uc.KeyPath != "" {
		pem, err := os.ReadFile(uc.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("read ssh key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(pem)
		var missing *ssh.PassphraseMissingError
		if errors.As(err, &missing) && uc.Password != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(pem, []byte(uc.Password))
		}
		if err != nil {
			return nil, fmt.Errorf("parse ssh key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if uc.Password != "" {
		auth = append(auth, ssh.Password(uc.Password))
	}
	if len(auth) == 0 {
		return nil, fmt.Errorf("%w: sftp needs upload.password or upload.key_path", ErrNotConfigured)
	}

	hostKey := ssh.InsecureIgnoreHostKey()
	if uc.KnownHostsPath != "" {
		cb, err := knownhosts.New(uc.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("known_hosts: %w", err)
		}
		hostKey = cb
	} else {
		debug.Warn("upload: upload.known_hosts_path not set, sftp host key is not verified")
	}
	return &ssh.ClientConfig{
		User:            uc.Username,
		Auth:            auth,
		HostKeyCallback: hostKey,
	}, nil
}
