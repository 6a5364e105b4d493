// Package objectstore serves collections from an S3-compatible bucket. Each
// collection is a key prefix holding a marker object with its ACL.
package objectstore

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"gopkg.in/yaml.v3"

	"computeplane/internal/job"
	"computeplane/internal/provider"
	"computeplane/pkg/archive"
)

const (
	markerName = ".collection"
	trashName  = ".trash"
)

// Config configures the bucket connection.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Secure    bool
}

// Store implements FileCollectionPlugin and FilePlugin over MinIO.
type Store struct {
	client *minio.Client
	bucket string
	logger *slog.Logger
}

// New connects to the endpoint and creates the bucket if it is missing.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, errors.New("objectstore: endpoint and bucket are required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
	})
	if err != nil {
		return nil, fmt.Errorf("objectstore: create client: %w", err)
	}
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("objectstore: check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("objectstore: create bucket: %w", err)
		}
	}
	return &Store{
		client: client,
		bucket: cfg.Bucket,
		logger: slog.With("component", "objectstore", "bucket", cfg.Bucket),
	}, nil
}

// Ready checks the bucket is reachable.
func (s *Store) Ready(ctx context.Context) error {
	_, err := s.client.BucketExists(ctx, s.bucket)
	return err
}

func (s *Store) Init(context.Context, job.Owner) error { return nil }

func (s *Store) Create(ctx context.Context, c *job.Collection) error {
	if err := validID(c); err != nil {
		return err
	}
	if err := s.putMarker(ctx, c.ID, c.ACL); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "Collection created", "collection", c.ID)
	return nil
}

func (s *Store) Delete(ctx context.Context, c *job.Collection) error {
	if err := s.requireCollection(ctx, c); err != nil {
		return err
	}
	objects := s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: c.ID + "/", Recursive: true})
	for rerr := range s.client.RemoveObjects(ctx, s.bucket, objects, minio.RemoveObjectsOptions{}) {
		if rerr.Err != nil {
			return fmt.Errorf("delete %s: %w", rerr.ObjectName, rerr.Err)
		}
	}
	s.logger.InfoContext(ctx, "Collection deleted", "collection", c.ID)
	return nil
}

func (s *Store) Verify(ctx context.Context, cols []*job.Collection) ([]string, error) {
	var lost []string
	for _, c := range cols {
		_, err := s.client.StatObject(ctx, s.bucket, markerKey(c.ID), minio.StatObjectOptions{})
		if isNotFound(err) {
			lost = append(lost, c.ID)
			continue
		}
		if err != nil {
			return nil, err
		}
	}
	return lost, nil
}

func (s *Store) UpdateACL(ctx context.Context, c *job.Collection, acl []job.ACLEntry) error {
	if err := s.requireCollection(ctx, c); err != nil {
		return err
	}
	return s.putMarker(ctx, c.ID, acl)
}

func (s *Store) RetrieveSupport(context.Context) (provider.CollectionSupport, error) {
	return provider.CollectionSupport{Create: true, Delete: true, ACL: true}, nil
}

// ACL reads the ACL stored in a collection's marker.
func (s *Store) ACL(ctx context.Context, id string) ([]job.ACLEntry, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, markerKey(id), minio.GetObjectOptions{})
	if err != nil {
		return nil, mapError(err, "collection does not exist")
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, mapError(err, "collection does not exist")
	}
	var acl []job.ACLEntry
	if err := yaml.Unmarshal(data, &acl); err != nil {
		return nil, fmt.Errorf("parse acl: %w", err)
	}
	return acl, nil
}

func (s *Store) putMarker(ctx context.Context, id string, acl []job.ACLEntry) error {
	data, err := yaml.Marshal(acl)
	if err != nil {
		return err
	}
	_, err = s.client.PutObject(ctx, s.bucket, markerKey(id), strings.NewReader(string(data)), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/yaml"})
	return err
}

func (s *Store) Browse(ctx context.Context, c *job.Collection, dir string) ([]provider.FileEntry, error) {
	key, rel, err := s.key(c, dir)
	if err != nil {
		return nil, err
	}
	prefix := key + "/"
	var out []provider.FileEntry
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix}) {
		if obj.Err != nil {
			return nil, obj.Err
		}
		if obj.Key == prefix {
			continue
		}
		name := strings.TrimPrefix(obj.Key, c.ID+"/")
		if rel == "" && (name == markerName || name == trashName+"/") {
			continue
		}
		if strings.HasSuffix(name, "/") {
			out = append(out, provider.FileEntry{Path: strings.TrimSuffix(name, "/"), Type: provider.FileTypeDirectory})
			continue
		}
		out = append(out, provider.FileEntry{Path: name, Type: provider.FileTypeFile, Size: obj.Size, ModifiedAt: obj.LastModified})
	}
	return out, nil
}

func (s *Store) Retrieve(ctx context.Context, c *job.Collection, p string) (*provider.FileEntry, error) {
	key, rel, err := s.key(c, p)
	if err != nil {
		return nil, err
	}
	info, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err == nil {
		return &provider.FileEntry{Path: rel, Type: provider.FileTypeFile, Size: info.Size, ModifiedAt: info.LastModified}, nil
	}
	if !isNotFound(err) {
		return nil, err
	}
	// A prefix with children is a directory.
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: key + "/", MaxKeys: 1}) {
		if obj.Err != nil {
			return nil, obj.Err
		}
		return &provider.FileEntry{Path: rel, Type: provider.FileTypeDirectory}, nil
	}
	return nil, provider.NotFound("no such file: " + p)
}

func (s *Store) CreateFolder(ctx context.Context, c *job.Collection, p string) error {
	key, _, err := s.key(c, p)
	if err != nil {
		return err
	}
	_, err = s.client.PutObject(ctx, s.bucket, key+"/", strings.NewReader(""), 0, minio.PutObjectOptions{})
	return err
}

func (s *Store) Move(ctx context.Context, c *job.Collection, from, to string) error {
	if err := s.Copy(ctx, c, from, to); err != nil {
		return err
	}
	src, _, _ := s.key(c, from)
	for _, key := range s.keysUnder(ctx, src) {
		if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
			return err
		}
	}
	return nil
}

// Copy copies a single object or every object under a prefix.
func (s *Store) Copy(ctx context.Context, c *job.Collection, from, to string) error {
	src, _, err := s.key(c, from)
	if err != nil {
		return err
	}
	dst, _, err := s.key(c, to)
	if err != nil {
		return err
	}
	keys := s.keysUnder(ctx, src)
	if len(keys) == 0 {
		return provider.NotFound("no such file: " + from)
	}
	for _, key := range keys {
		target := dst + strings.TrimPrefix(key, src)
		_, err := s.client.CopyObject(ctx,
			minio.CopyDestOptions{Bucket: s.bucket, Object: target},
			minio.CopySrcOptions{Bucket: s.bucket, Object: key})
		if err != nil {
			return mapError(err, "no such file: "+from)
		}
	}
	return nil
}

func (s *Store) Trash(ctx context.Context, c *job.Collection, p string) error {
	_, rel, err := s.key(c, p)
	if err != nil {
		return err
	}
	if rel == "" {
		return provider.BadRequest("cannot trash the collection root")
	}
	return s.Move(ctx, c, p, fmt.Sprintf("%s/%s-%d", trashName, path.Base(rel), time.Now().UnixNano()))
}

// Write uploads exactly req.Size bytes, or unpacks them under req.Path when
// req.Extract is set. The writer's identity is kept as object metadata.
func (s *Store) Write(ctx context.Context, req provider.WriteRequest) error {
	if err := s.requireCollection(ctx, req.Collection); err != nil {
		return err
	}
	key, _, err := s.key(req.Collection, req.Path)
	if err != nil {
		return err
	}
	opts := minio.PutObjectOptions{ContentType: "application/octet-stream"}
	if req.As != nil {
		opts.UserMetadata = map[string]string{
			"Owner-Name": req.As.Name,
			"Owner-Uid":  strconv.Itoa(req.As.UID),
			"Owner-Gid":  strconv.Itoa(req.As.GID),
		}
	}

	if !req.Extract {
		info, err := s.client.PutObject(ctx, s.bucket, key, io.LimitReader(req.Body, req.Size), req.Size, opts)
		if err != nil {
			return fmt.Errorf("upload %s: %w", key, err)
		}
		if info.Size != req.Size {
			return provider.BadRequest(fmt.Sprintf("expected %d bytes, received %d", req.Size, info.Size))
		}
		return nil
	}

	body := io.LimitReader(req.Body, req.Size)
	err = archive.Each(body, func(name string, hdr *tar.Header, r io.Reader) error {
		if r == nil {
			return nil
		}
		_, err := s.client.PutObject(ctx, s.bucket, key+"/"+name, r, hdr.Size, opts)
		return err
	})
	if errors.Is(err, archive.ErrUnsafePath) {
		return provider.BadRequest(err.Error())
	}
	return err
}

func (s *Store) requireCollection(ctx context.Context, c *job.Collection) error {
	if err := validID(c); err != nil {
		return err
	}
	_, err := s.client.StatObject(ctx, s.bucket, markerKey(c.ID), minio.StatObjectOptions{})
	return mapError(err, "collection does not exist")
}

func (s *Store) keysUnder(ctx context.Context, key string) []string {
	var keys []string
	if _, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{}); err == nil {
		keys = append(keys, key)
	}
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: key + "/", Recursive: true}) {
		if obj.Err == nil {
			keys = append(keys, obj.Key)
		}
	}
	return keys
}

// key maps a collection-relative path onto an object key.
func (s *Store) key(c *job.Collection, p string) (key, rel string, err error) {
	if err := validID(c); err != nil {
		return "", "", err
	}
	rel, err = archive.CleanName(strings.TrimPrefix(p, "/"))
	if err != nil {
		return "", "", provider.BadRequest("invalid path: " + p)
	}
	if rel == "" {
		return c.ID, "", nil
	}
	return c.ID + "/" + rel, rel, nil
}

func markerKey(id string) string { return id + "/" + markerName }

func validID(c *job.Collection) error {
	if c == nil || c.ID == "" || strings.ContainsAny(c.ID, `/\`) || strings.HasPrefix(c.ID, ".") {
		return provider.BadRequest("invalid collection id")
	}
	return nil
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	code := minio.ToErrorResponse(err).Code
	return code == "NoSuchKey" || code == "NoSuchBucket"
}

func mapError(err error, reason string) error {
	if isNotFound(err) {
		return provider.NotFound(reason)
	}
	return err
}

var (
	_ provider.FileCollectionPlugin = (*Store)(nil)
	_ provider.FilePlugin           = (*Store)(nil)
)
