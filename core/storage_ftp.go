// core/storage_ftp.go
package core

import (
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/jlaffaye/ftp"
)

// FTPBackend is a StorageBackend over a plain FTP server; the connection is
// not TLS-protected (no FTPS).
type FTPBackend struct {
	Addr     string // host:port
	User     string
	Password string
	BaseDir  string

	conn *ftp.ServerConn
}

// NewFTPBackend constructs an FTPBackend; Connect must be called before use.
func NewFTPBackend(addr, user, password, baseDir string) *FTPBackend {
	return &FTPBackend{Addr: addr, User: user, Password: password, BaseDir: baseDir}
}

func (b *FTPBackend) Connect() error {
	conn, err := ftp.Dial(b.Addr, ftp.DialWithTimeout(10*time.Second))
	if err != nil {
		return fmt.Errorf("ftp connect: %w", err)
	}
	if err := conn.Login(b.User, b.Password); err != nil {
		_ = conn.Quit()
		return fmt.Errorf("ftp login: %w", err)
	}
	b.conn = conn
	return nil
}

func (b *FTPBackend) Disconnect() error {
	if b.conn == nil {
		return nil
	}
	err := b.conn.Quit()
	b.conn = nil
	return err
}

func (b *FTPBackend) resolve(remotePath string) string {
	return path.Join(b.BaseDir, remotePath)
}

func (b *FTPBackend) Upload(localPath, remotePath string, progress ProgressFunc) error {
	in, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer in.Close()

	full := b.resolve(remotePath)
	if err := b.CreateDir(path.Dir(remotePath)); err != nil {
		return err
	}

	var reader io.Reader = in
	if progress != nil {
		fi, statErr := in.Stat()
		total := int64(-1)
		if statErr == nil {
			total = fi.Size()
		}
		reader = &progressReader{r: in, total: total, onProgress: progress}
	}

	return b.conn.Stor(full, reader)
}

func (b *FTPBackend) Download(remotePath, localPath string, progress ProgressFunc) error {
	resp, err := b.conn.Retr(b.resolve(remotePath))
	if err != nil {
		return err
	}
	defer resp.Close()

	out, err := os.Create(localPath)
	if err != nil {
		return err
	}
	defer out.Close()

	var transferred int64
	buf := make([]byte, 256*1024)
	for {
		n, readErr := resp.Read(buf)
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

func (b *FTPBackend) List(remoteDir string) ([]string, error) {
	entries, err := b.conn.NameList(b.resolve(remoteDir))
	if err != nil {
		return nil, err
	}
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = path.Base(e)
	}
	return names, nil
}

func (b *FTPBackend) CreateDir(remoteDir string) error {
	full := b.resolve(remoteDir)
	parts := strings.Split(strings.Trim(full, "/"), "/")
	cur := ""
	for _, p := range parts {
		if p == "" {
			continue
		}
		cur += "/" + p
		_ = b.conn.MakeDir(cur) // best-effort: already-exists is not distinguishable across servers
	}
	return nil
}

func (b *FTPBackend) DeleteFile(remotePath string) error {
	return b.conn.Delete(b.resolve(remotePath))
}

func (b *FTPBackend) DeleteDir(remoteDir string, recursive bool) error {
	full := b.resolve(remoteDir)
	if recursive {
		return b.conn.RemoveDirRecur(full)
	}
	return b.conn.RemoveDir(full)
}

func (b *FTPBackend) Exists(remotePath string) (bool, error) {
	names, err := b.conn.NameList(path.Dir(b.resolve(remotePath)))
	if err != nil {
		return false, nil
	}
	base := path.Base(remotePath)
	for _, n := range names {
		if path.Base(n) == base {
			return true, nil
		}
	}
	return false, nil
}

func (b *FTPBackend) AvailableSpace() (int64, error) {
	return -1, nil // FTP has no portable free-space command
}

func (b *FTPBackend) TestConnection() error {
	return b.conn.NoOp()
}

type progressReader struct {
	r          io.Reader
	total      int64
	seen       int64
	onProgress ProgressFunc
}

func (p *progressReader) Read(buf []byte) (int, error) {
	n, err := p.r.Read(buf)
	if n > 0 {
		p.seen += int64(n)
		p.onProgress(p.seen, p.total)
	}
	return n, err
}
