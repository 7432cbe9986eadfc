package s3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"marking-backend/internal/shared/storage/object"
)

type fakeS3 struct {
	objects map[string][]byte
	lastPut *s3.PutObjectInput
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[aws.ToString(in.Key)] = data
	f.lastPut = in
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &s3types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func TestApplyPrefix(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		prefix string
		key    string
		want   string
	}{
		{name: "no prefix", prefix: "", key: "documents/d1/content.txt", want: "documents/d1/content.txt"},
		{name: "simple prefix", prefix: "marking", key: "documents/d1/content.txt", want: "marking/documents/d1/content.txt"},
		{name: "prefix slashes", prefix: "/marking/", key: "/documents/d1/content.txt", want: "marking/documents/d1/content.txt"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := applyPrefix(tt.prefix, tt.key); got != tt.want {
				t.Fatalf("applyPrefix(%q, %q) = %q, want %q", tt.prefix, tt.key, got, tt.want)
			}
		})
	}
}

func TestPutOpenDeleteWithEncryption(t *testing.T) {
	fake := &fakeS3{objects: map[string][]byte{}}
	store := newStore(fake, "bucket", "marking/", "kms-key")
	ctx := context.Background()
	key := object.ContentKey("d1")

	n, err := store.Put(ctx, key, "text/plain", bytes.NewReader([]byte("essay")))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if n != 5 {
		t.Fatalf("unexpected size %d", n)
	}
	if got := aws.ToString(fake.lastPut.Key); got != "marking/documents/d1/content.txt" {
		t.Fatalf("unexpected object key %q", got)
	}
	if fake.lastPut.ServerSideEncryption != s3types.ServerSideEncryptionAwsKms {
		t.Fatalf("expected KMS encryption, got %q", fake.lastPut.ServerSideEncryption)
	}

	rc, err := store.Open(ctx, key)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	data, _ := io.ReadAll(rc)
	rc.Close()
	if string(data) != "essay" {
		t.Fatalf("unexpected content %q", data)
	}

	if err := store.Delete(ctx, key); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.Open(ctx, key); !errors.Is(err, object.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRejectsTraversalKeys(t *testing.T) {
	store := newStore(&fakeS3{objects: map[string][]byte{}}, "bucket", "", "")
	if _, err := store.Put(context.Background(), "../escape", "text/plain", bytes.NewReader(nil)); err == nil {
		t.Fatalf("expected invalid key error")
	}
}
