package ssh

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/kballard/go-shellquote"
	"github.com/pkg/sftp"

	"sshmux-mcp/internal/mcperr"
)

// DirEntry is one row of a remote directory listing. Size, permission
// bits, modification time and ownership are populated only by detailed
// listings; the plain mode carries names with type "unknown".
type DirEntry struct {
	Name        string  `json:"name"`
	Type        string  `json:"type"`
	Size        *int64  `json:"size,omitempty"`
	Permissions string  `json:"permissions,omitempty"`
	Modified    string  `json:"modified,omitempty"`
	OwnerID     *uint32 `json:"owner_id,omitempty"`
	GroupID     *uint32 `json:"group_id,omitempty"`
}

// ReadFile fetches a remote file over an SFTP subchannel and decodes
// it with the requested encoding.
func (s *Session) ReadFile(ctx context.Context, filePath, encoding string) (string, error) {
	if strings.TrimSpace(filePath) == "" {
		return "", mcperr.New(mcperr.ToolError, "File path is empty").
			WithData("connection_id", s.id)
	}
	enc, err := normalizeEncoding(encoding)
	if err != nil {
		return "", err
	}

	s.op.Lock()
	defer s.op.Unlock()

	c, err := s.requireConnected()
	if err != nil {
		return "", err
	}
	data, err := c.readFile(filePath)
	if err != nil {
		return "", s.classifyFileError(err, filePath, "read")
	}
	content, err := decodeBytes(data, enc)
	if err != nil {
		return "", mcperr.Newf(mcperr.ConnectionError,
			"Failed to decode %s as %s", filePath, enc).
			WithData("encoding", enc).
			WithData("file_path", filePath).
			WithData("connection_id", s.id)
	}

	s.touch()
	s.log.Debug().Str("file_path", filePath).Int("bytes", len(data)).Msg("file read")
	return content, nil
}

// WriteFile stores content at the remote path, optionally creating the
// parent directory first. The mkdir is best effort; the write itself
// decides success. Returns the number of bytes written.
func (s *Session) WriteFile(ctx context.Context, filePath, content, encoding string, createDirs bool) (int, error) {
	if strings.TrimSpace(filePath) == "" {
		return 0, mcperr.New(mcperr.ToolError, "File path is empty").
			WithData("connection_id", s.id)
	}
	enc, err := normalizeEncoding(encoding)
	if err != nil {
		return 0, err
	}
	data, err := encodeString(content, enc)
	if err != nil {
		return 0, mcperr.Newf(mcperr.ConnectionError,
			"Failed to encode content as %s", enc).
			WithData("encoding", enc).
			WithData("file_path", filePath).
			WithData("connection_id", s.id)
	}

	s.op.Lock()
	defer s.op.Unlock()

	c, err := s.requireConnected()
	if err != nil {
		return 0, err
	}

	if createDirs {
		if dir := path.Dir(filePath); dir != "" && dir != "." && dir != "/" {
			mkdir := shellquote.Join("mkdir", "-p", dir)
			if _, err := s.runCommand(ctx, mkdir, s.cfg.Timeout); err != nil {
				s.log.Warn().Err(err).Str("dir", dir).Msg("mkdir before write failed")
			}
		}
	}

	n, err := c.writeFile(filePath, data)
	if err != nil {
		return 0, s.classifyFileError(err, filePath, "write")
	}

	s.touch()
	s.log.Debug().Str("file_path", filePath).Int("bytes", n).Msg("file written")
	return n, nil
}

// ListDirectory reads a remote directory. Dotfiles are filtered unless
// showHidden is set; entries come back sorted by name.
func (s *Session) ListDirectory(ctx context.Context, dirPath string, showHidden, detailed bool) ([]DirEntry, error) {
	if strings.TrimSpace(dirPath) == "" {
		return nil, mcperr.New(mcperr.ToolError, "Directory path is empty").
			WithData("connection_id", s.id)
	}

	s.op.Lock()
	defer s.op.Unlock()

	c, err := s.requireConnected()
	if err != nil {
		return nil, err
	}
	infos, err := c.listDir(dirPath)
	if err != nil {
		return nil, s.classifyFileError(err, dirPath, "list")
	}

	entries := make([]DirEntry, 0, len(infos))
	for _, fi := range infos {
		name := fi.Name()
		if !showHidden && strings.HasPrefix(name, ".") {
			continue
		}
		entries = append(entries, newDirEntry(fi, detailed))
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })

	s.touch()
	s.log.Debug().Str("directory_path", dirPath).Int("entries", len(entries)).Msg("directory listed")
	return entries, nil
}

func newDirEntry(fi os.FileInfo, detailed bool) DirEntry {
	if !detailed {
		return DirEntry{Name: fi.Name(), Type: "unknown"}
	}

	kind := "file"
	if fi.IsDir() {
		kind = "directory"
	}
	size := fi.Size()
	entry := DirEntry{
		Name:        fi.Name(),
		Type:        kind,
		Size:        &size,
		Permissions: permString(fi.Mode()),
		Modified:    fi.ModTime().UTC().Format(time.RFC3339),
	}
	if st, ok := fi.Sys().(*sftp.FileStat); ok && st != nil {
		uid, gid := st.UID, st.GID
		entry.OwnerID = &uid
		entry.GroupID = &gid
	}
	return entry
}

// permString renders the permission bits as three octal digits.
func permString(mode os.FileMode) string {
	return fmt.Sprintf("%03o", mode.Perm())
}

// requireConnected returns the live transport or the error the caller
// should surface. Callers hold op.
func (s *Session) requireConnected() (conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tr == nil || !s.connected {
		if s.lostAt != nil {
			return nil, mcperr.New(mcperr.ConnectionError, "Connection lost").
				WithData("connection_id", s.id)
		}
		return nil, mcperr.New(mcperr.ConnectionError, "Connection not established").
			WithData("connection_id", s.id)
	}
	return s.tr, nil
}

// classifyFileError maps SFTP failures onto the wire vocabulary. The
// sftp client normalises missing paths to os.ErrNotExist; everything
// else is matched on message because servers word their status
// responses differently.
func (s *Session) classifyFileError(err error, p, op string) error {
	msg := strings.ToLower(err.Error())
	switch {
	case errors.Is(err, os.ErrNotExist) ||
		strings.Contains(msg, "no such file") ||
		strings.Contains(msg, "file does not exist") ||
		strings.Contains(msg, "not found"):
		return mcperr.Newf(mcperr.FileNotFoundError, "Remote path does not exist: %s", p).
			WithData("file_path", p).
			WithData("operation", op).
			WithData("connection_id", s.id)
	case errors.Is(err, os.ErrPermission) ||
		strings.Contains(msg, "permission denied") ||
		strings.Contains(msg, "access denied"):
		return mcperr.Newf(mcperr.PermissionError, "Permission denied: %s", p).
			WithData("file_path", p).
			WithData("operation", op).
			WithData("connection_id", s.id)
	default:
		return mcperr.Newf(mcperr.ConnectionError, "File %s failed: %v", op, err).
			WithData("file_path", p).
			WithData("operation", op).
			WithData("connection_id", s.id)
	}
}

// normalizeEncoding folds the accepted encoding names to a canonical
// form. Anything outside the supported set is rejected.
func normalizeEncoding(encoding string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "utf-8", "utf8":
		return "utf-8", nil
	case "ascii", "us-ascii":
		return "ascii", nil
	default:
		return "", mcperr.Newf(mcperr.ConnectionError, "Unsupported encoding: %s", encoding).
			WithData("encoding", encoding)
	}
}

func decodeBytes(data []byte, encoding string) (string, error) {
	switch encoding {
	case "ascii":
		if !isASCII(data) {
			return "", errors.New("content contains non-ascii bytes")
		}
	default:
		if !utf8.Valid(data) {
			return "", errors.New("content is not valid utf-8")
		}
	}
	return string(data), nil
}

func encodeString(content, encoding string) ([]byte, error) {
	data := []byte(content)
	if encoding == "ascii" && !isASCII(data) {
		return nil, errors.New("content contains non-ascii characters")
	}
	return data, nil
}

func isASCII(data []byte) bool {
	for _, b := range data {
		if b > 0x7f {
			return false
		}
	}
	return true
}
