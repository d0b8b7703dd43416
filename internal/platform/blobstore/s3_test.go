package blobstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"slices"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// fakeS3 keeps objects in a map and pages List results one key at a time.
type fakeS3 struct {
	objects map[string][]byte
	puts    []*s3.PutObjectInput
}

func newFakeS3() *fakeS3 { return &fakeS3{objects: map[string][]byte{}} }

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, _ := io.ReadAll(in.Body)
	f.objects[aws.ToString(in.Key)] = data
	f.puts = append(f.puts, in)
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(data)),
		ContentType:   aws.String("text/csv"),
		ContentLength: aws.Int64(int64(len(data))),
	}, nil
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) {
			keys = append(keys, k)
		}
	}
	// Sorted so the continuation token can name the next key.
	slices.Sort(keys)
	start := 0
	if in.ContinuationToken != nil {
		for i, k := range keys {
			if k == *in.ContinuationToken {
				start = i
			}
		}
	}
	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	if start < len(keys) {
		k := keys[start]
		out.Contents = []types.Object{{Key: aws.String(k), Size: aws.Int64(int64(len(f.objects[k])))}}
		if start+1 < len(keys) {
			out.IsTruncated = aws.Bool(true)
			out.NextContinuationToken = aws.String(keys[start+1])
		}
	}
	return out, nil
}

func TestS3Store_PutGetList(t *testing.T) {
	fake := newFakeS3()
	s := &S3Store{client: fake, bucket: "clinic-archive"}
	ctx := context.Background()

	if _, err := s.Put(ctx, "archives/a.csv", "text/csv", strings.NewReader("aa")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	s.Put(ctx, "archives/b.csv", "text/csv", strings.NewReader("b"))
	s.Put(ctx, "other/c.csv", "text/csv", strings.NewReader("c"))

	put := fake.puts[0]
	if aws.ToString(put.Bucket) != "clinic-archive" || put.ACL != types.ObjectCannedACLPrivate {
		t.Errorf("unexpected put input %+v", put)
	}

	rc, meta, err := s.Get(ctx, "archives/a.csv")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	data, _ := io.ReadAll(rc)
	rc.Close()
	if string(data) != "aa" || meta.Size != 2 {
		t.Errorf("unexpected object %q %+v", data, meta)
	}

	if _, _, err := s.Get(ctx, "archives/none.csv"); !errors.Is(err, ErrObjectNotFound) {
		t.Errorf("expected ErrObjectNotFound, got %v", err)
	}

	items, err := s.List(ctx, ArchivePrefix)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(items) != 2 || items[0].Key != "archives/b.csv" {
		t.Errorf("unexpected list %+v", items)
	}
}

func TestNewS3Store_RequiresBucket(t *testing.T) {
	if _, err := NewS3Store(context.Background(), ""); err == nil {
		t.Error("expected error for empty bucket")
	}
}
