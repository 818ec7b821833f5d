// Package vfs is the in-memory file namespace behind the file and metadata calls.
package vfs

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ethereum-optimism/sysabi/kgo/abi"
)

// Namespace errors. This is the complete set the FS returns.
var (
	ErrNotFound    = errors.New("vfs: no such file or directory")
	ErrExists      = errors.New("vfs: file exists")
	ErrNotDir      = errors.New("vfs: not a directory")
	ErrIsDir       = errors.New("vfs: is a directory")
	ErrNotEmpty    = errors.New("vfs: directory not empty")
	ErrCrossDevice = errors.New("vfs: cross-device link")
	ErrNameTooLong = errors.New("vfs: file name too long")
	ErrLoop        = errors.New("vfs: too many levels of symbolic links")
	ErrAccess      = errors.New("vfs: permission denied")
	ErrPermission  = errors.New("vfs: operation not permitted")
	ErrInvalid     = errors.New("vfs: invalid argument")
	ErrBusy        = errors.New("vfs: resource busy")
	ErrNoSpace     = errors.New("vfs: no space left on device")
)

// MaxSymlinks bounds symlink expansion during one lookup.
const MaxSymlinks = 40

// MaxFileSize bounds the size of a regular file.
const MaxFileSize = 64 << 20

type Kind uint8

const (
	KindDir Kind = iota
	KindFile
	KindSymlink
	KindCharDev
)

func (k Kind) String() string {
	switch k {
	case KindDir:
		return "dir"
	case KindFile:
		return "file"
	case KindSymlink:
		return "symlink"
	case KindCharDev:
		return "chardev"
	default:
		return "unknown"
	}
}

func (k Kind) modeBits() uint32 {
	switch k {
	case KindDir:
		return abi.S_IFDIR
	case KindSymlink:
		return abi.S_IFLNK
	case KindCharDev:
		return abi.S_IFCHR
	default:
		return abi.S_IFREG
	}
}

// Device identifies the behavior of a character device inode.
type Device uint16

const (
	DevNone    Device = 0
	DevNull    Device = 1<<8 | 3
	DevZero    Device = 1<<8 | 5
	DevConsole Device = 5<<8 | 1
)

// Cred is the identity a namespace operation runs as.
type Cred struct {
	UID uint32
	GID uint32
}

// Inode is one file object. Kind, Ino, Dev and Rdev never change; everything
// else is guarded by the FS lock.
type Inode struct {
	Ino  uint64
	Dev  uint64
	Kind Kind
	Rdev Device

	mode     uint32
	uid      uint32
	gid      uint32
	nlink    int
	data     []byte
	target   string
	children map[string]*Inode
}

// Stat is the subset of struct stat the namespace tracks.
type Stat struct {
	Dev   uint64
	Ino   uint64
	Nlink uint64
	Mode  uint32
	UID   uint32
	GID   uint32
	Rdev  uint64
	Size  int64
}

// Bytes encodes s in the x86-64 struct stat layout. Timestamps are zero.
func (s Stat) Bytes() []byte {
	out := make([]byte, abi.StatSize)
	binary.LittleEndian.PutUint64(out[0:], s.Dev)
	binary.LittleEndian.PutUint64(out[8:], s.Ino)
	binary.LittleEndian.PutUint64(out[16:], s.Nlink)
	binary.LittleEndian.PutUint32(out[24:], s.Mode)
	binary.LittleEndian.PutUint32(out[28:], s.UID)
	binary.LittleEndian.PutUint32(out[32:], s.GID)
	binary.LittleEndian.PutUint64(out[40:], s.Rdev)
	binary.LittleEndian.PutUint64(out[48:], uint64(s.Size))
	binary.LittleEndian.PutUint64(out[56:], 4096)
	binary.LittleEndian.PutUint64(out[64:], uint64((s.Size+511)/512))
	return out
}

// FS is an in-memory tree of inodes. /dev and /proc are separate devices.
type FS struct {
	mu      sync.RWMutex
	root    *Inode
	nextIno uint64
}

func New() *FS {
	fs := &FS{nextIno: 1}
	fs.root = fs.newInode(1, KindDir, 0o755, Cred{})
	for _, name := range []string{"tmp", "home"} {
		mode := uint32(0o755)
		if name == "tmp" {
			mode = 0o777
		}
		fs.root.children[name] = fs.newInode(1, KindDir, mode, Cred{})
	}
	dev := fs.newInode(2, KindDir, 0o755, Cred{})
	fs.root.children["dev"] = dev
	for _, d := range []struct {
		name string
		rdev Device
	}{{"null", DevNull}, {"zero", DevZero}, {"console", DevConsole}} {
		n := fs.newInode(2, KindCharDev, 0o666, Cred{})
		n.Rdev = d.rdev
		dev.children[d.name] = n
	}
	proc := fs.newInode(3, KindDir, 0o555, Cred{})
	fs.root.children["proc"] = proc
	version := fs.newInode(3, KindFile, 0o444, Cred{})
	version.data = []byte("sysabi\n")
	proc.children["version"] = version
	return fs
}

func (fs *FS) newInode(dev uint64, kind Kind, mode uint32, cred Cred) *Inode {
	n := &Inode{
		Ino:   fs.nextIno,
		Dev:   dev,
		Kind:  kind,
		mode:  mode & 0o7777,
		uid:   cred.UID,
		gid:   cred.GID,
		nlink: 1,
	}
	if kind == KindDir {
		n.children = make(map[string]*Inode)
		n.nlink = 2
	}
	fs.nextIno++
	return n
}

func checkPath(p string) error {
	if p == "" {
		return fmt.Errorf("%w: empty path", ErrNotFound)
	}
	if len(p) > PathMax {
		return fmt.Errorf("%w: %d bytes", ErrNameTooLong, len(p))
	}
	return nil
}

// walk resolves the clean absolute path p. The final element is followed
// only if followLast is set. It returns the inode and the path it was found at.
func (fs *FS) walk(p string, followLast bool) (*Inode, string, error) {
	for hops := 0; ; hops++ {
		if hops > MaxSymlinks {
			return nil, "", fmt.Errorf("%w: %s", ErrLoop, p)
		}
		comps := components(p)
		cur := fs.root
		redirect := ""
		for i, name := range comps {
			if cur.Kind != KindDir {
				return nil, "", fmt.Errorf("%w: %s", ErrNotDir, "/"+strings.Join(comps[:i], "/"))
			}
			if len(name) > NameMax {
				return nil, "", fmt.Errorf("%w: %q", ErrNameTooLong, name)
			}
			next, ok := cur.children[name]
			if !ok {
				return nil, "", fmt.Errorf("%w: %s", ErrNotFound, p)
			}
			last := i == len(comps)-1
			if next.Kind == KindSymlink && (!last || followLast) {
				parent := "/" + strings.Join(comps[:i], "/")
				redirect = Join(parent, next.target+"/"+strings.Join(comps[i+1:], "/"))
				break
			}
			cur = next
		}
		if redirect == "" {
			return cur, p, nil
		}
		p = redirect
	}
}

// parent resolves the directory that holds the final element of p.
// name is empty when p is the root.
func (fs *FS) parent(p string) (dir *Inode, dirPath, name string, err error) {
	dirPath, name = Split(p)
	if name == "" {
		return fs.root, "/", "", nil
	}
	if len(name) > NameMax {
		return nil, "", "", fmt.Errorf("%w: %q", ErrNameTooLong, name)
	}
	dir, dirPath, err = fs.walk(dirPath, true)
	if err != nil {
		return nil, "", "", err
	}
	if dir.Kind != KindDir {
		return nil, "", "", fmt.Errorf("%w: %s", ErrNotDir, dirPath)
	}
	return dir, dirPath, name, nil
}

// access checks whether cred may access n. want is a mask of 4 (read), 2 (write), 1 (exec).
func (fs *FS) access(n *Inode, cred Cred, want uint32) error {
	if cred.UID == 0 {
		return nil
	}
	var bits uint32
	switch {
	case cred.UID == n.uid:
		bits = n.mode >> 6
	case cred.GID == n.gid:
		bits = n.mode >> 3
	default:
		bits = n.mode
	}
	if bits&want != want {
		return fmt.Errorf("%w: inode %d", ErrAccess, n.Ino)
	}
	return nil
}

// Lookup resolves p relative to cwd and returns the inode with its canonical path.
func (fs *FS) Lookup(cwd, p string, follow bool) (*Inode, string, error) {
	if err := checkPath(p); err != nil {
		return nil, "", err
	}
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return fs.walk(Join(cwd, p), follow)
}

// Open resolves, and with O_CREAT possibly creates, the file at p.
func (fs *FS) Open(cwd, p string, flags int, mode uint32, cred Cred) (*Inode, string, error) {
	n, full, _, err := fs.OpenFile(cwd, p, flags, mode, cred)
	return n, full, err
}

// OpenFile is Open that also reports whether the call created the file.
func (fs *FS) OpenFile(cwd, p string, flags int, mode uint32, cred Cred) (*Inode, string, bool, error) {
	if err := checkPath(p); err != nil {
		return nil, "", false, err
	}
	full := Join(cwd, p)
	fs.mu.Lock()
	defer fs.mu.Unlock()

	var n *Inode
	if flags&abi.O_CREAT != 0 {
		dir, dirPath, name, err := fs.parent(full)
		if err != nil {
			return nil, "", false, err
		}
		if name == "" {
			return nil, "", false, fmt.Errorf("%w: cannot create /", ErrIsDir)
		}
		if _, ok := dir.children[name]; ok {
			if flags&abi.O_EXCL != 0 {
				return nil, "", false, fmt.Errorf("%w: %s", ErrExists, full)
			}
			n, full, err = fs.walk(Join(dirPath, name), true)
			if err != nil {
				return nil, "", false, err
			}
		} else {
			if err := fs.access(dir, cred, 2); err != nil {
				return nil, "", false, err
			}
			n = fs.newInode(dir.Dev, KindFile, mode, cred)
			dir.children[name] = n
			full = Join(dirPath, name)
			return n, full, true, nil
		}
	} else {
		var err error
		n, full, err = fs.walk(full, true)
		if err != nil {
			return nil, "", false, err
		}
	}

	acc := flags & abi.O_ACCMODE
	if flags&abi.O_DIRECTORY != 0 && n.Kind != KindDir {
		return nil, "", false, fmt.Errorf("%w: %s", ErrNotDir, full)
	}
	if n.Kind == KindDir && acc != abi.O_RDONLY {
		return nil, "", false, fmt.Errorf("%w: %s", ErrIsDir, full)
	}
	var want uint32
	if acc == abi.O_RDONLY || acc == abi.O_RDWR {
		want |= 4
	}
	if acc == abi.O_WRONLY || acc == abi.O_RDWR {
		want |= 2
	}
	if err := fs.access(n, cred, want); err != nil {
		return nil, "", false, err
	}
	if flags&abi.O_TRUNC != 0 && n.Kind == KindFile && acc != abi.O_RDONLY {
		n.data = nil
	}
	return n, full, false, nil
}

func (fs *FS) Mkdir(cwd, p string, mode uint32, cred Cred) error {
	if err := checkPath(p); err != nil {
		return err
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	dir, _, name, err := fs.parent(Join(cwd, p))
	if err != nil {
		return err
	}
	if _, ok := dir.children[name]; ok || name == "" {
		return fmt.Errorf("%w: %s", ErrExists, p)
	}
	if err := fs.access(dir, cred, 2); err != nil {
		return err
	}
	dir.children[name] = fs.newInode(dir.Dev, KindDir, mode, cred)
	dir.nlink++
	return nil
}

func (fs *FS) Rmdir(cwd, p string) error {
	if err := checkPath(p); err != nil {
		return err
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	dir, _, name, err := fs.parent(Join(cwd, p))
	if err != nil {
		return err
	}
	if name == "" {
		return fmt.Errorf("%w: cannot remove /", ErrBusy)
	}
	n, ok := dir.children[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, p)
	}
	if n.Kind != KindDir {
		return fmt.Errorf("%w: %s", ErrNotDir, p)
	}
	if n.Dev != dir.Dev {
		return fmt.Errorf("%w: %s is a mount point", ErrBusy, p)
	}
	if len(n.children) > 0 {
		return fmt.Errorf("%w: %s", ErrNotEmpty, p)
	}
	delete(dir.children, name)
	dir.nlink--
	n.nlink = 0
	return nil
}

func (fs *FS) Unlink(cwd, p string) error {
	if err := checkPath(p); err != nil {
		return err
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	dir, _, name, err := fs.parent(Join(cwd, p))
	if err != nil {
		return err
	}
	n, ok := dir.children[name]
	if name == "" || (ok && n.Kind == KindDir) {
		return fmt.Errorf("%w: %s", ErrIsDir, p)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, p)
	}
	delete(dir.children, name)
	n.nlink--
	return nil
}

func isEmptyDir(n *Inode) bool { return n.Kind == KindDir && len(n.children) == 0 }

// Rename moves oldp to newp, replacing a compatible target.
func (fs *FS) Rename(cwd, oldp, newp string) error {
	if err := checkPath(oldp); err != nil {
		return err
	}
	if err := checkPath(newp); err != nil {
		return err
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	oldDir, oldDirPath, oldName, err := fs.parent(Join(cwd, oldp))
	if err != nil {
		return err
	}
	newDir, newDirPath, newName, err := fs.parent(Join(cwd, newp))
	if err != nil {
		return err
	}
	if oldName == "" || newName == "" {
		return fmt.Errorf("%w: cannot rename /", ErrBusy)
	}
	n, ok := oldDir.children[oldName]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, oldp)
	}
	if n.Dev != newDir.Dev || n.Dev != oldDir.Dev {
		return fmt.Errorf("%w: %s -> %s", ErrCrossDevice, oldp, newp)
	}
	src := Join(oldDirPath, oldName)
	dst := Join(newDirPath, newName)
	if n.Kind == KindDir && strings.HasPrefix(dst+"/", src+"/") && dst != src {
		return fmt.Errorf("%w: cannot move %s into itself", ErrInvalid, src)
	}
	if target, ok := newDir.children[newName]; ok {
		if target == n {
			return nil
		}
		switch {
		case n.Kind == KindDir && target.Kind != KindDir:
			return fmt.Errorf("%w: %s", ErrNotDir, newp)
		case n.Kind != KindDir && target.Kind == KindDir:
			return fmt.Errorf("%w: %s", ErrIsDir, newp)
		case target.Kind == KindDir && !isEmptyDir(target):
			return fmt.Errorf("%w: %s", ErrNotEmpty, newp)
		}
		target.nlink--
		if target.Kind == KindDir {
			newDir.nlink--
		}
	}
	delete(oldDir.children, oldName)
	newDir.children[newName] = n
	if n.Kind == KindDir && oldDir != newDir {
		oldDir.nlink--
		newDir.nlink++
	}
	return nil
}

// Link adds a hard link newp to the non-directory oldp.
func (fs *FS) Link(cwd, oldp, newp string) error {
	if err := checkPath(oldp); err != nil {
		return err
	}
	if err := checkPath(newp); err != nil {
		return err
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	n, _, err := fs.walk(Join(cwd, oldp), false)
	if err != nil {
		return err
	}
	if n.Kind == KindDir {
		return fmt.Errorf("%w: hard link to directory %s", ErrPermission, oldp)
	}
	dir, _, name, err := fs.parent(Join(cwd, newp))
	if err != nil {
		return err
	}
	if _, ok := dir.children[name]; ok || name == "" {
		return fmt.Errorf("%w: %s", ErrExists, newp)
	}
	if n.Dev != dir.Dev {
		return fmt.Errorf("%w: %s -> %s", ErrCrossDevice, oldp, newp)
	}
	dir.children[name] = n
	n.nlink++
	return nil
}

func (fs *FS) Symlink(cwd, target, p string, cred Cred) error {
	if target == "" {
		return fmt.Errorf("%w: empty symlink target", ErrNotFound)
	}
	if len(target) > PathMax {
		return fmt.Errorf("%w: symlink target of %d bytes", ErrNameTooLong, len(target))
	}
	if err := checkPath(p); err != nil {
		return err
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	dir, _, name, err := fs.parent(Join(cwd, p))
	if err != nil {
		return err
	}
	if _, ok := dir.children[name]; ok || name == "" {
		return fmt.Errorf("%w: %s", ErrExists, p)
	}
	n := fs.newInode(dir.Dev, KindSymlink, 0o777, cred)
	n.target = target
	dir.children[name] = n
	return nil
}

func (fs *FS) Readlink(cwd, p string) (string, error) {
	n, _, err := fs.Lookup(cwd, p, false)
	if err != nil {
		return "", err
	}
	if n.Kind != KindSymlink {
		return "", fmt.Errorf("%w: %s is not a symlink", ErrInvalid, p)
	}
	return n.target, nil
}

// Chmod changes permission bits. Only the owner or root may do so.
func (fs *FS) Chmod(n *Inode, mode uint32, cred Cred) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if cred.UID != 0 && cred.UID != n.uid {
		return fmt.Errorf("%w: chmod of inode %d", ErrPermission, n.Ino)
	}
	n.mode = mode & 0o7777
	return nil
}

// Chown changes ownership. Only root may do so; ^uint32(0) leaves a field unchanged.
func (fs *FS) Chown(n *Inode, uid, gid uint32, cred Cred) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if cred.UID != 0 {
		return fmt.Errorf("%w: chown of inode %d", ErrPermission, n.Ino)
	}
	if uid != ^uint32(0) {
		n.uid = uid
	}
	if gid != ^uint32(0) {
		n.gid = gid
	}
	return nil
}

// CheckAccess tests cred against the current permission bits of n.
func (fs *FS) CheckAccess(n *Inode, cred Cred, want uint32) error {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return fs.access(n, cred, want)
}

func (fs *FS) Stat(n *Inode) Stat {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	size := int64(len(n.data))
	if n.Kind == KindSymlink {
		size = int64(len(n.target))
	}
	return Stat{
		Dev:   n.Dev,
		Ino:   n.Ino,
		Nlink: uint64(max(n.nlink, 0)),
		Mode:  n.Kind.modeBits() | n.mode,
		UID:   n.uid,
		GID:   n.gid,
		Rdev:  uint64(n.Rdev),
		Size:  size,
	}
}

// Size returns the length of a regular file.
func (fs *FS) Size(n *Inode) int64 {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return int64(len(n.data))
}

// ReadAt copies file bytes at off into b. It returns 0 at or past the end.
func (fs *FS) ReadAt(n *Inode, b []byte, off int64) (int, error) {
	if n.Kind == KindDir {
		return 0, fmt.Errorf("%w: read of inode %d", ErrIsDir, n.Ino)
	}
	if off < 0 {
		return 0, fmt.Errorf("%w: offset %d", ErrInvalid, off)
	}
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	if off >= int64(len(n.data)) {
		return 0, nil
	}
	return copy(b, n.data[off:]), nil
}

// WriteAt stores b at off, growing the file and zero filling any gap.
func (fs *FS) WriteAt(n *Inode, b []byte, off int64) (int, error) {
	if n.Kind == KindDir {
		return 0, fmt.Errorf("%w: write of inode %d", ErrIsDir, n.Ino)
	}
	if off < 0 {
		return 0, fmt.Errorf("%w: offset %d", ErrInvalid, off)
	}
	if off > MaxFileSize || int64(len(b)) > MaxFileSize-off {
		return 0, fmt.Errorf("%w: file would exceed %d bytes", ErrNoSpace, MaxFileSize)
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if end := off + int64(len(b)); end > int64(len(n.data)) {
		grown := make([]byte, end)
		copy(grown, n.data)
		n.data = grown
	}
	return copy(n.data[off:], b), nil
}

func (fs *FS) Truncate(n *Inode, size int64) error {
	if n.Kind == KindDir {
		return fmt.Errorf("%w: truncate of inode %d", ErrIsDir, n.Ino)
	}
	if size < 0 {
		return fmt.Errorf("%w: size %d", ErrInvalid, size)
	}
	if size > MaxFileSize {
		return fmt.Errorf("%w: size %d", ErrNoSpace, size)
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if size <= int64(len(n.data)) {
		n.data = n.data[:size]
	} else {
		grown := make([]byte, size)
		copy(grown, n.data)
		n.data = grown
	}
	return nil
}

// FileInfo describes one path of the tree for snapshots.
type FileInfo struct {
	Path string `json:"path"`
	Ino  uint64 `json:"ino"`
	Kind string `json:"kind"`
	Mode uint32 `json:"mode"`
	Size int64  `json:"size"`
}

// Files lists every path in the tree in lexical order.
func (fs *FS) Files() []FileInfo {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	var out []FileInfo
	var visit func(p string, n *Inode)
	visit = func(p string, n *Inode) {
		size := int64(len(n.data))
		if n.Kind == KindSymlink {
			size = int64(len(n.target))
		}
		out = append(out, FileInfo{Path: p, Ino: n.Ino, Kind: n.Kind.String(), Mode: n.mode, Size: size})
		names := make([]string, 0, len(n.children))
		for name := range n.children {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			visit(Join(p, name), n.children[name])
		}
	}
	visit("/", fs.root)
	return out
}
