package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/beegfs/buddymirror/pkg/proto"
)

// SparseBlockSize is the granularity of zero-region detection on both the
// sending and the receiving side.
const SparseBlockSize = 4096

// MaxListNames caps one page of a chunk directory listing served to a peer.
const MaxListNames = 10000

// DirListing is one page of a chunk directory.
type DirListing struct {
	Names      []string
	EntryTypes []proto.EntryType
	// NewOffset resumes the listing after the last returned entry.
	NewOffset int64
}

// ListChunkDir returns up to maxNames entries of a chunk directory, starting
// at a position returned by a previous call (0 for the beginning). A missing
// directory yields OpsPathNotExists.
func (t *Target) ListChunkDir(mirrored bool, relDir string, offset int64, maxNames int) (DirListing, error) {
	dirPath, err := t.ChunkPath(mirrored, relDir)
	if err != nil {
		return DirListing{}, err
	}
	fd, err := unix.Open(dirPath, unix.O_RDONLY|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		if errors.Is(err, unix.ENOENT) {
			return DirListing{}, fmt.Errorf("list %s: %w", relDir, proto.OpsPathNotExists)
		}
		return DirListing{}, fmt.Errorf("open dir %s: %w", relDir, err)
	}
	defer func() { _ = unix.Close(fd) }()

	if offset != 0 {
		if _, err := unix.Seek(fd, offset, io.SeekStart); err != nil {
			return DirListing{}, fmt.Errorf("seek dir %s: %w", relDir, err)
		}
	}

	out := DirListing{NewOffset: offset}
	buf := make([]byte, 32*1024)

fill:
	for len(out.Names) < maxNames {
		n, err := unix.Getdents(fd, buf)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return DirListing{}, fmt.Errorf("read dir %s: %w", relDir, err)
		}
		if n <= 0 {
			break
		}

		for pos := 0; pos < n; {
			// struct linux_dirent64: ino u64, off s64, reclen u16, type u8, name
			reclen := int(binary.NativeEndian.Uint16(buf[pos+16:]))
			off := int64(binary.NativeEndian.Uint64(buf[pos+8:]))
			typ := buf[pos+18]
			name := cString(buf[pos+19 : pos+reclen])
			pos += reclen
			out.NewOffset = off

			if name == "." || name == ".." {
				continue
			}
			out.Names = append(out.Names, name)
			out.EntryTypes = append(out.EntryTypes, entryType(fd, name, typ))
			if len(out.Names) == maxNames {
				break fill
			}
		}
	}
	return out, nil
}

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

func entryType(dirFD int, name string, dtype uint8) proto.EntryType {
	switch dtype {
	case unix.DT_REG:
		return proto.EntryRegular
	case unix.DT_DIR:
		return proto.EntryDir
	case unix.DT_UNKNOWN:
		var st unix.Stat_t
		if err := unix.Fstatat(dirFD, name, &st, unix.AT_SYMLINK_NOFOLLOW); err != nil {
			return proto.EntryUnknown
		}
		switch st.Mode & unix.S_IFMT {
		case unix.S_IFREG:
			return proto.EntryRegular
		case unix.S_IFDIR:
			return proto.EntryDir
		}
	}
	return proto.EntryOther
}

// OpenChunkForRead opens a chunk without touching its access time where the
// kernel allows it.
func (t *Target) OpenChunkForRead(mirrored bool, rel string) (*os.File, error) {
	path, err := t.ChunkPath(mirrored, rel)
	if err != nil {
		return nil, err
	}
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_NOATIME|unix.O_CLOEXEC, 0)
	if errors.Is(err, unix.EPERM) {
		// O_NOATIME needs file ownership or CAP_FOWNER.
		fd, err = unix.Open(path, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	}
	if err != nil {
		return nil, &os.PathError{Op: "open", Path: path, Err: err}
	}
	return os.NewFile(uintptr(fd), path), nil
}

// StatChunk returns the attributes and size of an open chunk.
func StatChunk(f *os.File) (proto.ChunkAttribs, int64, error) {
	var st unix.Stat_t
	if err := unix.Fstat(int(f.Fd()), &st); err != nil {
		return proto.ChunkAttribs{}, 0, fmt.Errorf("stat %s: %w", f.Name(), err)
	}
	return proto.ChunkAttribs{
		Mode:    st.Mode & 0o7777,
		UserID:  st.Uid,
		GroupID: st.Gid,
		MTimeNS: st.Mtim.Nano(),
		ATimeNS: st.Atim.Nano(),
	}, st.Size, nil
}

// ChunkExists reports whether rel exists under the chunk root.
func (t *Target) ChunkExists(mirrored bool, rel string) (bool, error) {
	path, err := t.ChunkPath(mirrored, rel)
	if err != nil {
		return false, err
	}
	_, err = os.Lstat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// ApplyResync writes one resync block sent by the primary.
func (t *Target) ApplyResync(msg *proto.ResyncLocalFile) error {
	path, err := t.ChunkPath(true, msg.RelativePath)
	if err != nil {
		return err
	}
	noData := msg.Flags&proto.ResyncFlagNoData != 0

	flags := os.O_WRONLY | os.O_CREATE
	if msg.Offset == 0 && !noData {
		flags |= os.O_TRUNC
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create chunk dir: %w", err)
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return fmt.Errorf("open chunk: %w", err)
	}
	defer func() { _ = f.Close() }()

	if !noData && len(msg.Data) > 0 {
		checkSparse := msg.Flags&proto.ResyncFlagCheckSparse != 0
		if err := writeSparse(f, msg.Offset, msg.Data, checkSparse); err != nil {
			return err
		}
	}

	if msg.Flags&proto.ResyncFlagTrunc != 0 {
		if err := f.Truncate(msg.Offset + int64(len(msg.Data))); err != nil {
			return fmt.Errorf("truncate chunk: %w", err)
		}
	}

	if msg.Flags&proto.ResyncFlagSetAttribs != 0 && msg.Attribs != nil {
		if err := applyAttribs(f, path, msg.Attribs); err != nil {
			return err
		}
	}
	return nil
}

// writeSparse writes data at offset, leaving holes for all-zero blocks when
// checkSparse is set. The file is extended to cover data even if its tail
// was a hole.
func writeSparse(f *os.File, offset int64, data []byte, checkSparse bool) error {
	end := offset + int64(len(data))
	tailSkipped := false

	for pos := 0; pos < len(data); pos += SparseBlockSize {
		block := data[pos:min(pos+SparseBlockSize, len(data))]
		if checkSparse && IsZero(block) {
			tailSkipped = true
			continue
		}
		if _, err := f.WriteAt(block, offset+int64(pos)); err != nil {
			return fmt.Errorf("write chunk: %w", err)
		}
		tailSkipped = false
	}

	if tailSkipped {
		fi, err := f.Stat()
		if err != nil {
			return fmt.Errorf("stat chunk: %w", err)
		}
		if fi.Size() < end {
			if err := f.Truncate(end); err != nil {
				return fmt.Errorf("extend chunk: %w", err)
			}
		}
	}
	return nil
}

func applyAttribs(f *os.File, path string, a *proto.ChunkAttribs) error {
	fd := int(f.Fd())
	if err := unix.Fchmod(fd, a.Mode&0o7777); err != nil {
		return fmt.Errorf("chmod chunk: %w", err)
	}

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return fmt.Errorf("stat chunk: %w", err)
	}
	if st.Uid != a.UserID || st.Gid != a.GroupID {
		if err := unix.Fchown(fd, int(a.UserID), int(a.GroupID)); err != nil {
			return fmt.Errorf("chown chunk: %w", err)
		}
	}

	times := []unix.Timespec{unix.NsecToTimespec(a.ATimeNS), unix.NsecToTimespec(a.MTimeNS)}
	if err := unix.UtimesNano(path, times); err != nil {
		return fmt.Errorf("set chunk times: %w", err)
	}
	return nil
}

// IsZero reports whether b contains only zero bytes.
func IsZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

// RemoveChunks unlinks the given chunk paths. Paths that are already gone
// count as removed; everything else that fails is returned.
func (t *Target) RemoveChunks(mirrored bool, rels []string) []string {
	var failed []string
	for _, rel := range rels {
		path, err := t.ChunkPath(mirrored, rel)
		if err != nil {
			failed = append(failed, rel)
			continue
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			failed = append(failed, rel)
		}
	}
	return failed
}

// WriteChunk writes data at offset, creating the chunk and its directories.
func (t *Target) WriteChunk(mirrored bool, rel string, offset int64, data []byte) (int, error) {
	path, err := t.ChunkPath(mirrored, rel)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, fmt.Errorf("create chunk dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open chunk: %w", err)
	}
	n, err := f.WriteAt(data, offset)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = cerr
	}
	if err != nil {
		return n, fmt.Errorf("write chunk: %w", err)
	}
	return n, nil
}
