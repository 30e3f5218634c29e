// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package dumpstore implements `Store`, a content addressed storage for crash
// dumps backed by a local cache and an S3 bucket.
package dumpstore // import "go.opentelemetry.io/kcrash/tools/percpu/dumpstore"

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	sha256 "github.com/minio/sha256-simd"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"go.opentelemetry.io/kcrash/libpf"
	"go.opentelemetry.io/kcrash/libpf/zstpak"
	"go.opentelemetry.io/kcrash/metrics"
)

const (
	// localTempPrefix is prepended to files in the local cache while they
	// are still being written to.
	localTempPrefix = "tmp."
	// s3KeyPrefix is prepended to all S3 keys.
	s3KeyPrefix = "vmcore-store/"
	// s3MaxObjects bounds the number of objects listed from the bucket.
	s3MaxObjects = 16 * 1000
)

// S3API is the subset of the S3 client used by the Store.
type S3API interface {
	s3.ListObjectsV2APIClient
	HeadObject(ctx context.Context, params *s3.HeadObjectInput,
		optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput,
		optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput,
		optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput,
		optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

var _ S3API = &s3.Client{}

// Store keeps crash dumps compressed as zstpak files, so that they can be
// opened for random access without unpacking. Dumps are identified by the
// hash of their uncompressed contents. Dumps present remotely but not locally
// are downloaded when opened.
//
// Multiple Store instances may share the same cache directory and bucket.
type Store struct {
	s3client       S3API
	bucket         string
	localCachePath string
}

// New creates a store caching dumps in localCachePath. s3client may be nil
// for a local-only store.
func New(s3client S3API, bucket, localCachePath string) (*Store, error) {
	if err := os.MkdirAll(localCachePath, 0o750); err != nil {
		return nil, err
	}
	return &Store{
		s3client:       s3client,
		bucket:         bucket,
		localCachePath: localCachePath,
	}, nil
}

// errNoRemote is returned for remote operations of a local-only store.
var errNoRemote = errors.New("no remote storage configured")

// InsertLocally compresses the dump at localPath into the local cache and
// returns its ID. If the dump was already present, isNew is false.
func (store *Store) InsertLocally(localPath string) (id ID, isNew bool, err error) {
	in, err := os.Open(localPath)
	if err != nil {
		return ID{}, false, fmt.Errorf("failed to open local file: %w", err)
	}
	defer in.Close()

	if id, err = calculateID(in); err != nil {
		return ID{}, false, err
	}
	if _, err = in.Seek(0, io.SeekStart); err != nil {
		return ID{}, false, errors.New("failed to seek file back to start")
	}

	present, err := store.IsPresentLocally(id)
	if err != nil {
		return ID{}, false, err
	}
	if present {
		return id, false, nil
	}

	// Half written files keep the temp prefix and are never picked up.
	out, err := os.CreateTemp(store.localCachePath, localTempPrefix)
	if err != nil {
		return ID{}, false, fmt.Errorf("failed to create file in local cache: %w", err)
	}
	defer out.Close()

	if err = zstpak.CompressInto(in, out, zstpak.DefaultChunkSize); err != nil {
		_ = os.Remove(out.Name())
		return ID{}, false, fmt.Errorf("failed to compress dump: %w", err)
	}
	if err = commitTempFile(out, store.makeLocalPath(id)); err != nil {
		return ID{}, false, err
	}
	return id, true, nil
}

// Path returns the local path of the compressed dump, downloading it first
// if needed. The file can be opened with vmcore.Open.
func (store *Store) Path(ctx context.Context, id ID) (string, error) {
	return store.ensurePresentLocally(ctx, id)
}

// Upload copies a dump from the local cache to the bucket. Nothing is done
// if the dump is already present remotely.
func (store *Store) Upload(ctx context.Context, id ID) error {
	present, err := store.IsPresentRemotely(ctx, id)
	if err != nil {
		return err
	}
	if present {
		return nil
	}
	localPath := store.makeLocalPath(id)
	file, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open local file: %w", err)
	}
	defer file.Close()

	hasher := sha256.New()
	if _, err = io.Copy(hasher, file); err != nil {
		return fmt.Errorf("failed to hash content of %q: %v", localPath, err)
	}
	contentSHA256 := base64.StdEncoding.EncodeToString(hasher.Sum(nil))
	if _, err = file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to set position in file %q: %v", localPath, err)
	}

	_, err = store.s3client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:             aws.String(store.bucket),
		Key:                aws.String(makeS3Key(id)),
		Body:               file,
		ContentType:        aws.String("application/octet-stream"),
		ContentDisposition: aws.String("attachment"),
		ChecksumSHA256:     aws.String(contentSHA256),
	})
	if err != nil {
		return fmt.Errorf("failed to upload dump: %w", err)
	}
	return nil
}

// RemoveLocal removes a dump from the local cache. No-op if not present.
func (store *Store) RemoveLocal(id ID) error {
	err := os.Remove(store.makeLocalPath(id))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete local file: %w", err)
	}
	return nil
}

// RemoveRemote removes a dump from the bucket. No-op if not present.
func (store *Store) RemoveRemote(ctx context.Context, id ID) error {
	if store.s3client == nil {
		return errNoRemote
	}
	_, err := store.s3client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(store.bucket),
		Key:    aws.String(makeS3Key(id)),
	})
	if err != nil && !isErrNoSuchKey(err) {
		return fmt.Errorf("failed to delete file from remote: %w", err)
	}
	return nil
}

// IsPresentRemotely checks whether a dump is present in the bucket.
func (store *Store) IsPresentRemotely(ctx context.Context, id ID) (bool, error) {
	if store.s3client == nil {
		return false, errNoRemote
	}
	_, err := store.s3client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(store.bucket),
		Key:    aws.String(makeS3Key(id)),
	})
	if err != nil {
		if isErrNoSuchKey(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to query dump existence: %w", err)
	}
	return true, nil
}

// IsPresentLocally checks whether a dump is present in the local cache.
func (store *Store) IsPresentLocally(id ID) (bool, error) {
	_, err := os.Stat(store.makeLocalPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat local file: %w", err)
	}
	return true, nil
}

// ListRemote returns the dumps in the bucket and their modification times.
func (store *Store) ListRemote(ctx context.Context) (map[ID]time.Time, error) {
	if store.s3client == nil {
		return nil, errNoRemote
	}
	dumps := map[ID]time.Time{}
	paginator := s3.NewListObjectsV2Paginator(store.s3client, &s3.ListObjectsV2Input{
		Bucket: aws.String(store.bucket),
		Prefix: aws.String(s3KeyPrefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("s3 request failed: %w", err)
		}
		for _, object := range page.Contents {
			if object.Key == nil || object.LastModified == nil {
				return nil, errors.New("s3 object lacks required field")
			}
			id, err := IDFromString(strings.TrimPrefix(*object.Key, s3KeyPrefix))
			if err != nil {
				return nil, fmt.Errorf("failed to parse hash in S3 key: %w", err)
			}
			dumps[id] = *object.LastModified
		}
		if len(dumps) > s3MaxObjects {
			return nil, errors.New("too many matching items in bucket")
		}
	}
	return dumps, nil
}

// ListLocal returns the dumps in the local cache.
func (store *Store) ListLocal() (libpf.Set[ID], error) {
	dumps := libpf.Set[ID]{}
	err := store.visitLocal(func(id ID) error {
		dumps[id] = libpf.Void{}
		return nil
	}, func(string) error {
		return nil
	})
	return dumps, err
}

// RemoveLocalTempFiles removes temporary files of interrupted inserts and
// downloads. It races with concurrent writers using the same cache.
func (store *Store) RemoveLocalTempFiles() error {
	return store.visitLocal(func(ID) error {
		return nil
	}, func(unkPath string) error {
		if !strings.HasPrefix(filepath.Base(unkPath), localTempPrefix) {
			log.Warnf("`%s` file in local cache is neither a temp file nor a dump", unkPath)
			return nil
		}
		if err := os.Remove(unkPath); err != nil {
			return fmt.Errorf("failed to remove file: %w", err)
		}
		return nil
	})
}

// ensurePresentLocally downloads the dump if needed and returns the path of
// the compressed file in the local cache.
func (store *Store) ensurePresentLocally(ctx context.Context, id ID) (string, error) {
	localPath := store.makeLocalPath(id)
	present, err := store.IsPresentLocally(id)
	if err != nil {
		return "", err
	}
	if present {
		metrics.Add(metrics.IDDumpStoreCacheHits, 1)
		return localPath, nil
	}
	if store.s3client == nil {
		return "", fmt.Errorf("dump %s not in local cache: %w", id, errNoRemote)
	}

	resp, err := store.s3client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(store.bucket),
		Key:    aws.String(makeS3Key(id)),
	})
	if err != nil {
		return "", fmt.Errorf("failed to request dump %s: %w", id, err)
	}
	defer resp.Body.Close()

	file, err := os.CreateTemp(store.localCachePath, localTempPrefix)
	if err != nil {
		return "", fmt.Errorf("failed to create local file: %w", err)
	}
	defer file.Close()
	if _, err = io.Copy(file, resp.Body); err != nil {
		_ = os.Remove(file.Name())
		return "", fmt.Errorf("failed to receive dump: %w", err)
	}
	if err = commitTempFile(file, localPath); err != nil {
		return "", err
	}
	metrics.Add(metrics.IDDumpStoreDownloads, 1)
	log.Debugf("Downloaded dump %s", id)
	return localPath, nil
}

func (store *Store) makeLocalPath(id ID) string {
	return filepath.Join(store.localCachePath, id.String())
}

// visitLocal calls dumpVisitor for each dump in the local cache and
// unkVisitor with the full path of every other file.
func (store *Store) visitLocal(dumpVisitor func(ID) error,
	unkVisitor func(string) error) error {
	files, err := os.ReadDir(store.localCachePath)
	if err != nil {
		return fmt.Errorf("failed to read files in local cache: %w", err)
	}
	for _, file := range files {
		id, err := IDFromString(file.Name())
		if err == nil {
			err = dumpVisitor(id)
		} else {
			err = unkVisitor(filepath.Join(store.localCachePath, file.Name()))
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func makeS3Key(id ID) string {
	return s3KeyPrefix + id.String()
}

// commitTempFile flushes temp to disk and moves it to finalPath.
func commitTempFile(temp *os.File, finalPath string) error {
	if err := unix.Fsync(int(temp.Fd())); err != nil {
		return fmt.Errorf("failed to flush file to disk: %w", err)
	}
	if err := os.Rename(temp.Name(), finalPath); err != nil {
		return fmt.Errorf("failed to move file to final location: %w", err)
	}
	return nil
}

// isErrNoSuchKey checks whether the error indicates a missing object. HEAD
// requests report missing keys only through the 404 status, which the client
// turns into NotFound.
func isErrNoSuchKey(err error) bool {
	var noSuchKey *s3types.NoSuchKey
	var notFound *s3types.NotFound
	return errors.As(err, &noSuchKey) || errors.As(err, &notFound)
}
