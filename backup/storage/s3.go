package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/minio/minio-go/v7"

	"github.com/tursodatabase/libsql-sub009/libsqlerr"
	"github.com/tursodatabase/libsql-sub009/types"
)

// S3 implements types.Storage over an S3-compatible object store via
// minio-go, following the same (namespace, end_frame_no) key scheme as
// Filesystem so restore logic reads identically for either backend.
type S3 struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewS3 wraps an already-configured minio.Client. Constructing the client
// itself (endpoint, credentials, TLS) is left to the caller per spec.md §1
// (transport/auth wiring is out of core scope); this package only owns the
// object key layout and idempotence semantics.
func NewS3(client *minio.Client, bucket, prefix string) *S3 {
	return &S3{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

func (s *S3) key(namespace string, endFrameNo uint64) string {
	if s.prefix == "" {
		return fmt.Sprintf("%s/%020d.seg", namespace, endFrameNo)
	}
	return fmt.Sprintf("%s/%s/%020d.seg", s.prefix, namespace, endFrameNo)
}

func (s *S3) nsPrefix(namespace string) string {
	if s.prefix == "" {
		return namespace + "/"
	}
	return s.prefix + "/" + namespace + "/"
}

// Store uploads segment under (namespace, end_frame_no), tolerating
// re-uploads of identical bytes and failing on a content mismatch at an
// existing key (spec.md §4.I Idempotence).
func (s *S3) Store(ctx context.Context, meta types.SegmentBackupMeta, segment io.Reader) error {
	data, err := io.ReadAll(segment)
	if err != nil {
		return libsqlerr.Wrap(libsqlerr.KindStorage, "read segment bytes", err)
	}
	key := s.key(meta.Namespace, meta.EndFrameNo)

	if info, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{}); err == nil {
		if info.Size != int64(len(data)) {
			return libsqlerr.New(libsqlerr.KindStorage, fmt.Sprintf("existing object %s has different size than re-upload", key))
		}
		obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
		if err != nil {
			return libsqlerr.Wrap(libsqlerr.KindStorage, "get existing s3 object", err)
		}
		existing, err := io.ReadAll(obj)
		obj.Close()
		if err != nil {
			return libsqlerr.Wrap(libsqlerr.KindStorage, "read existing s3 object", err)
		}
		if !bytes.Equal(existing, data) {
			return libsqlerr.New(libsqlerr.KindStorage, fmt.Sprintf("existing object %s has different content than re-upload", key))
		}
		return nil // same key, identical bytes
	} else if minio.ToErrorResponse(err).Code != "NoSuchKey" {
		return libsqlerr.Wrap(libsqlerr.KindStorage, "stat s3 object", err)
	}

	_, err = s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		UserMetadata: map[string]string{
			"start-frame-no": strconv.FormatUint(meta.StartFrameNo, 10),
			"end-frame-no":   strconv.FormatUint(meta.EndFrameNo, 10),
		},
	})
	if err != nil {
		return libsqlerr.Wrap(libsqlerr.KindStorage, "put s3 object", err)
	}
	return nil
}

// FetchSegment finds the object covering frameNo by listing namespace keys
// (end_frame_no is encoded in the key so this is a lexicographic scan, not
// a linear content read) and streams it into sink.
func (s *S3) FetchSegment(ctx context.Context, namespace string, frameNo uint64, sink io.Writer) error {
	keys, err := s.listKeys(ctx, namespace)
	if err != nil {
		return err
	}
	for _, k := range keys {
		start, end, perr := parseMeta(ctx, s, k)
		if perr != nil {
			continue
		}
		if start <= frameNo && frameNo <= end {
			return s.copyObject(ctx, k, sink)
		}
	}
	return libsqlerr.New(libsqlerr.KindStorage, fmt.Sprintf("no segment covers frame_no %d in namespace %s", frameNo, namespace))
}

func (s *S3) copyObject(ctx context.Context, key string, sink io.Writer) error {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return libsqlerr.Wrap(libsqlerr.KindStorage, "get s3 object", err)
	}
	defer obj.Close()
	if _, err := io.Copy(sink, obj); err != nil {
		return libsqlerr.Wrap(libsqlerr.KindStorage, "copy s3 object", err)
	}
	return nil
}

func parseMeta(ctx context.Context, s *S3, key string) (start, end uint64, err error) {
	info, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return 0, 0, err
	}
	startStr := info.UserMetadata["X-Amz-Meta-Start-Frame-No"]
	endStr := info.UserMetadata["X-Amz-Meta-End-Frame-No"]
	startU, _ := strconv.ParseUint(startStr, 10, 64)
	endU, _ := strconv.ParseUint(endStr, 10, 64)
	return startU, endU, nil
}

func (s *S3) listKeys(ctx context.Context, namespace string) ([]string, error) {
	var keys []string
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: s.nsPrefix(namespace)}) {
		if obj.Err != nil {
			return nil, libsqlerr.Wrap(libsqlerr.KindStorage, "list s3 objects", obj.Err)
		}
		keys = append(keys, obj.Key)
	}
	sort.Strings(keys)
	return keys, nil
}

// Meta returns the highest end_frame_no among stored objects for namespace.
func (s *S3) Meta(ctx context.Context, namespace string) (types.StorageMeta, error) {
	keys, err := s.listKeys(ctx, namespace)
	if err != nil {
		return types.StorageMeta{}, err
	}
	var max uint64
	for _, k := range keys {
		_, end, perr := parseMeta(ctx, s, k)
		if perr == nil && end > max {
			max = end
		}
	}
	return types.StorageMeta{MaxFrameNo: max}, nil
}

// Restore streams every object for namespace (oldest end_frame_no first)
// into sink, stopping before any object created after `before` if set.
func (s *S3) Restore(ctx context.Context, namespace string, before *int64, sink io.Writer) (uint64, error) {
	keys, err := s.listKeys(ctx, namespace)
	if err != nil {
		return 0, err
	}
	var endFrameNo uint64
	for _, k := range keys {
		if before != nil {
			info, statErr := s.client.StatObject(ctx, s.bucket, k, minio.StatObjectOptions{})
			if statErr == nil && info.LastModified.Unix() > *before {
				break
			}
		}
		_, end, perr := parseMeta(ctx, s, k)
		if perr != nil {
			return endFrameNo, libsqlerr.Wrap(libsqlerr.KindStorage, "read segment metadata", perr)
		}
		if err := s.copyObject(ctx, k, sink); err != nil {
			return endFrameNo, err
		}
		endFrameNo = end
	}
	return endFrameNo, nil
}
