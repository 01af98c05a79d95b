// core/storage_sftp.go
package core

import (
	"fmt"
	"io"
	"os"
	"path"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// SFTPBackend is a StorageBackend over SFTP, authenticated with either a
// password or a private key.
type SFTPBackend struct {
	Addr       string // host:port
	User       string
	Password   string // used if PrivateKey is empty
	PrivateKey []byte // PEM-encoded private key, optional
	BaseDir    string

	sshConn  *ssh.Client
	sftpConn *sftp.Client
}

// NewSFTPBackend constructs an SFTPBackend; Connect must be called before use.
func NewSFTPBackend(addr, user, password string, privateKey []byte, baseDir string) *SFTPBackend {
	return &SFTPBackend{Addr: addr, User: user, Password: password, PrivateKey: privateKey, BaseDir: baseDir}
}

func (b *SFTPBackend) Connect() error {
	var auth ssh.AuthMethod
	if len(b.PrivateKey) > 0 {
		signer, err := ssh.ParsePrivateKey(b.PrivateKey)
		if err != nil {
			return fmt.Errorf("parse private key: %w", err)
		}
		auth = ssh.PublicKeys(signer)
	} else {
		auth = ssh.Password(b.Password)
	}

	config := &ssh.ClientConfig{
		User:            b.User,
		Auth:            []ssh.AuthMethod{auth},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), // destination host key pinning is an external collaborator's concern
		Timeout:         10 * time.Second,
	}

	conn, err := ssh.Dial("tcp", b.Addr, config)
	if err != nil {
		return fmt.Errorf("sftp ssh dial: %w", err)
	}

	client, err := sftp.NewClient(conn)
	if err != nil {
		conn.Close()
		return fmt.Errorf("sftp client: %w", err)
	}

	b.sshConn = conn
	b.sftpConn = client
	return nil
}

func (b *SFTPBackend) Disconnect() error {
	var err error
	if b.sftpConn != nil {
		err = b.sftpConn.Close()
		b.sftpConn = nil
	}
	if b.sshConn != nil {
		if cerr := b.sshConn.Close(); cerr != nil && err == nil {
			err = cerr
		}
		b.sshConn = nil
	}
	return err
}

func (b *SFTPBackend) resolve(remotePath string) string {
	return path.Join(b.BaseDir, remotePath)
}

func (b *SFTPBackend) Upload(localPath, remotePath string, progress ProgressFunc) error {
	in, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer in.Close()

	full := b.resolve(remotePath)
	if err := b.CreateDir(path.Dir(remotePath)); err != nil {
		return err
	}

	out, err := b.sftpConn.Create(full)
	if err != nil {
		return err
	}
	defer out.Close()

	total := int64(-1)
	if fi, statErr := in.Stat(); statErr == nil {
		total = fi.Size()
	}

	var transferred int64
	buf := make([]byte, 256*1024)
	for {
		n, readErr := in.Read(buf)
		if n > 0 {
			if _, err := out.Write(buf[:n]); err != nil {
				return err
			}
			transferred += int64(n)
			if progress != nil {
				progress(transferred, total)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return readErr
		}
	}
	return nil
}

func (b *SFTPBackend) Download(remotePath, localPath string, progress ProgressFunc) error {
	in, err := b.sftpConn.Open(b.resolve(remotePath))
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(path.Dir(localPath), 0o755); err != nil {
		return err
	}
	out, err := os.Create(localPath)
	if err != nil {
		return err
	}
	defer out.Close()

	var transferred int64
	buf := make([]byte, 256*1024)
	for {
		n, readErr := in.Read(buf)
		if n > 0 {
			if _, err := out.Write(buf[:n]); err != nil {
				return err
			}
			transferred += int64(n)
			if progress != nil {
				progress(transferred, -1)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return readErr
		}
	}
	return nil
}

func (b *SFTPBackend) List(remoteDir string) ([]string, error) {
	entries, err := b.sftpConn.ReadDir(b.resolve(remoteDir))
	if err != nil {
		return nil, err
	}
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name()
	}
	return names, nil
}

func (b *SFTPBackend) CreateDir(remoteDir string) error {
	return b.sftpConn.MkdirAll(b.resolve(remoteDir))
}

func (b *SFTPBackend) DeleteFile(remotePath string) error {
	return b.sftpConn.Remove(b.resolve(remotePath))
}

func (b *SFTPBackend) DeleteDir(remoteDir string, recursive bool) error {
	full := b.resolve(remoteDir)
	if !recursive {
		return b.sftpConn.RemoveDirectory(full)
	}
	walker := b.sftpConn.Walk(full)
	var paths []string
	for walker.Step() {
		if walker.Err() != nil {
			continue
		}
		paths = append(paths, walker.Path())
	}
	// remove deepest paths first
	for i := len(paths) - 1; i >= 0; i-- {
		info, err := b.sftpConn.Lstat(paths[i])
		if err != nil {
			continue
		}
		if info.IsDir() {
			_ = b.sftpConn.RemoveDirectory(paths[i])
		} else {
			_ = b.sftpConn.Remove(paths[i])
		}
	}
	return nil
}

func (b *SFTPBackend) Exists(remotePath string) (bool, error) {
	_, err := b.sftpConn.Stat(b.resolve(remotePath))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func (b *SFTPBackend) AvailableSpace() (int64, error) {
	stat, err := b.sftpConn.StatVFS(b.BaseDir)
	if err != nil {
		return -1, nil // not all servers support the statvfs extension
	}
	return int64(stat.FreeSpace()), nil
}

func (b *SFTPBackend) TestConnection() error {
	_, err := b.sftpConn.Getwd()
	return err
}
