// Package posix exposes directories on a local or mounted file system as
// collections.
package posix

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"computeplane/internal/job"
	"computeplane/internal/provider"
	"computeplane/pkg/archive"
)

const (
	aclDir   = ".acl"
	trashDir = ".trash"
)

// Config configures the storage.
type Config struct {
	Root string
	// ReadOnly serves collections that exist outside the platform's control.
	ReadOnly bool
	// Chown hands written files to the writer's local identity. Requires privileges.
	Chown bool
}

// Storage implements FileCollectionPlugin and FilePlugin over a directory tree.
// Each collection is a directory named after its id under Root.
type Storage struct {
	cfg    Config
	mu     sync.Mutex // serializes ACL file updates
	logger *slog.Logger
}

// New creates the root directory if needed.
func New(cfg Config) (*Storage, error) {
	if cfg.Root == "" {
		return nil, errors.New("posix: root is required")
	}
	if !cfg.ReadOnly {
		if err := os.MkdirAll(filepath.Join(cfg.Root, aclDir), 0o755); err != nil {
			return nil, fmt.Errorf("posix: create root: %w", err)
		}
	}
	return &Storage{cfg: cfg, logger: slog.With("component", "posix-storage", "root", cfg.Root)}, nil
}

// Plugins returns the collection and file plugins. A read-only storage
// answers create and delete with the not-supported error.
func (s *Storage) Plugins() (provider.FileCollectionPlugin, provider.FilePlugin) {
	if s.cfg.ReadOnly {
		return readOnly{s}, s
	}
	return s, s
}

type readOnly struct {
	*Storage
}

func (readOnly) Create(context.Context, *job.Collection) error { return provider.NotSupported() }
func (readOnly) Delete(context.Context, *job.Collection) error { return provider.NotSupported() }
func (readOnly) UpdateACL(context.Context, *job.Collection, []job.ACLEntry) error {
	return provider.NotSupported()
}
func (readOnly) RetrieveSupport(context.Context) (provider.CollectionSupport, error) {
	return provider.CollectionSupport{ReadOnly: true}, nil
}

func (s *Storage) Init(context.Context, job.Owner) error { return nil }

func (s *Storage) Create(_ context.Context, c *job.Collection) error {
	dir, err := s.collectionDir(c)
	if err != nil {
		return err
	}
	if err := os.Mkdir(dir, 0o755); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil
		}
		return fmt.Errorf("create collection: %w", err)
	}
	s.logger.Info("Collection created", "collection", c.ID)
	return s.writeACL(c.ID, c.ACL)
}

func (s *Storage) Delete(_ context.Context, c *job.Collection) error {
	dir, err := s.collectionDir(c)
	if err != nil {
		return err
	}
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		return provider.NotFound("collection does not exist")
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("delete collection: %w", err)
	}
	_ = os.Remove(s.aclPath(c.ID))
	s.logger.Info("Collection deleted", "collection", c.ID)
	return nil
}

func (s *Storage) Verify(_ context.Context, cols []*job.Collection) ([]string, error) {
	var lost []string
	for _, c := range cols {
		dir, err := s.collectionDir(c)
		if err != nil {
			return nil, err
		}
		if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
			lost = append(lost, c.ID)
		}
	}
	return lost, nil
}

func (s *Storage) UpdateACL(_ context.Context, c *job.Collection, acl []job.ACLEntry) error {
	dir, err := s.collectionDir(c)
	if err != nil {
		return err
	}
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		return provider.NotFound("collection does not exist")
	}
	return s.writeACL(c.ID, acl)
}

func (s *Storage) RetrieveSupport(context.Context) (provider.CollectionSupport, error) {
	return provider.CollectionSupport{Create: true, Delete: true, ACL: true}, nil
}

// ACL returns the stored ACL of a collection.
func (s *Storage) ACL(id string) ([]job.ACLEntry, error) {
	data, err := os.ReadFile(s.aclPath(id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var acl []job.ACLEntry
	if err := yaml.Unmarshal(data, &acl); err != nil {
		return nil, fmt.Errorf("parse acl: %w", err)
	}
	return acl, nil
}

func (s *Storage) writeACL(id string, acl []job.ACLEntry) error {
	data, err := yaml.Marshal(acl)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeAtomic(s.aclPath(id), data)
}

func (s *Storage) aclPath(id string) string {
	return filepath.Join(s.cfg.Root, aclDir, id+".yaml")
}

func (s *Storage) Browse(_ context.Context, c *job.Collection, path string) ([]provider.FileEntry, error) {
	dir, rel, err := s.resolve(c, path)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, provider.NotFound("no such directory: " + path)
	}
	if err != nil {
		return nil, fmt.Errorf("browse: %w", err)
	}
	out := make([]provider.FileEntry, 0, len(entries))
	for _, e := range entries {
		if rel == "" && e.Name() == trashDir {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, entryFor(filepath.ToSlash(filepath.Join(rel, e.Name())), info))
	}
	return out, nil
}

func (s *Storage) Retrieve(_ context.Context, c *job.Collection, path string) (*provider.FileEntry, error) {
	full, rel, err := s.resolve(c, path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(full)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, provider.NotFound("no such file: " + path)
	}
	if err != nil {
		return nil, err
	}
	e := entryFor(rel, info)
	return &e, nil
}

func (s *Storage) CreateFolder(_ context.Context, c *job.Collection, path string) error {
	if err := s.writable(); err != nil {
		return err
	}
	full, _, err := s.resolve(c, path)
	if err != nil {
		return err
	}
	return os.MkdirAll(full, 0o755)
}

func (s *Storage) Move(_ context.Context, c *job.Collection, from, to string) error {
	if err := s.writable(); err != nil {
		return err
	}
	src, _, err := s.resolve(c, from)
	if err != nil {
		return err
	}
	dst, _, err := s.resolve(c, to)
	if err != nil {
		return err
	}
	if _, err := os.Stat(src); errors.Is(err, fs.ErrNotExist) {
		return provider.NotFound("no such file: " + from)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	return os.Rename(src, dst)
}

func (s *Storage) Copy(_ context.Context, c *job.Collection, from, to string) error {
	if err := s.writable(); err != nil {
		return err
	}
	src, _, err := s.resolve(c, from)
	if err != nil {
		return err
	}
	dst, _, err := s.resolve(c, to)
	if err != nil {
		return err
	}
	if _, err := os.Stat(src); errors.Is(err, fs.ErrNotExist) {
		return provider.NotFound("no such file: " + from)
	}
	return copyTree(src, dst)
}

// Trash moves the path into the collection's trash folder.
func (s *Storage) Trash(_ context.Context, c *job.Collection, path string) error {
	if err := s.writable(); err != nil {
		return err
	}
	src, rel, err := s.resolve(c, path)
	if err != nil {
		return err
	}
	if rel == "" {
		return provider.BadRequest("cannot trash the collection root")
	}
	if _, err := os.Stat(src); errors.Is(err, fs.ErrNotExist) {
		return provider.NotFound("no such file: " + path)
	}
	root, _ := s.collectionDir(c)
	bin := filepath.Join(root, trashDir)
	if err := os.MkdirAll(bin, 0o755); err != nil {
		return err
	}
	name := fmt.Sprintf("%s-%d", filepath.Base(src), time.Now().UnixNano())
	return os.Rename(src, filepath.Join(bin, name))
}

// Write stores exactly req.Size bytes at req.Path, or unpacks them there when
// req.Extract is set.
func (s *Storage) Write(_ context.Context, req provider.WriteRequest) error {
	if err := s.writable(); err != nil {
		return err
	}
	root, err := s.collectionDir(req.Collection)
	if err != nil {
		return err
	}
	if _, err := os.Stat(root); errors.Is(err, fs.ErrNotExist) {
		return provider.NotFound("collection does not exist")
	}
	full, _, err := s.resolve(req.Collection, req.Path)
	if err != nil {
		return err
	}

	body := &countingReader{r: io.LimitReader(req.Body, req.Size)}
	if req.Extract {
		if err := os.MkdirAll(full, 0o755); err != nil {
			return err
		}
		err := archive.Extract(body, full, func(p string) error { return s.chown(p, req.As) })
		if errors.Is(err, archive.ErrUnsafePath) {
			return provider.BadRequest(err.Error())
		}
		if err != nil {
			return fmt.Errorf("extract: %w", err)
		}
		if _, err := io.Copy(io.Discard, body); err != nil {
			return err
		}
	} else {
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return err
		}
		if err := writeStream(full, body); err != nil {
			return err
		}
		if err := s.chown(full, req.As); err != nil {
			return err
		}
	}
	if body.n != req.Size {
		return provider.BadRequest(fmt.Sprintf("expected %d bytes, received %d", req.Size, body.n))
	}
	return nil
}

func (s *Storage) writable() error {
	if s.cfg.ReadOnly {
		return provider.NotSupported()
	}
	return nil
}

func (s *Storage) chown(path string, as *provider.LocalIdentity) error {
	if !s.cfg.Chown || as == nil {
		return nil
	}
	if err := os.Lchown(path, as.UID, as.GID); err != nil {
		return fmt.Errorf("chown %s to %s: %w", path, as.Name, err)
	}
	return nil
}

func (s *Storage) collectionDir(c *job.Collection) (string, error) {
	if c == nil || c.ID == "" || strings.ContainsAny(c.ID, `/\`) || strings.HasPrefix(c.ID, ".") {
		return "", provider.BadRequest("invalid collection id")
	}
	return filepath.Join(s.cfg.Root, c.ID), nil
}

// resolve maps a collection-relative path onto the file system.
func (s *Storage) resolve(c *job.Collection, path string) (full, rel string, err error) {
	root, err := s.collectionDir(c)
	if err != nil {
		return "", "", err
	}
	rel, err = archive.CleanName(strings.TrimPrefix(path, "/"))
	if err != nil {
		return "", "", provider.BadRequest("invalid path: " + path)
	}
	return filepath.Join(root, filepath.FromSlash(rel)), rel, nil
}

func entryFor(rel string, info fs.FileInfo) provider.FileEntry {
	e := provider.FileEntry{Path: rel, Type: provider.FileTypeFile, Size: info.Size(), ModifiedAt: info.ModTime()}
	if info.IsDir() {
		e.Type = provider.FileTypeDirectory
		e.Size = 0
	}
	return e
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// writeStream writes to a temp file beside path and renames it into place.
func writeStream(path string, r io.Reader) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".upload-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func writeAtomic(path string, data []byte) error {
	return writeStream(path, strings.NewReader(string(data)))
}

func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(src, p)
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		in, err := os.Open(p)
		if err != nil {
			return err
		}
		defer in.Close()
		return writeStream(target, in)
	})
}

var (
	_ provider.FileCollectionPlugin = (*Storage)(nil)
	_ provider.FilePlugin           = (*Storage)(nil)
	_ provider.FileCollectionPlugin = readOnly{}
)
