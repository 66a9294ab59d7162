package blobstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

const archiveTestKey = "snapshots/0x1111111111111111111111111111111111111111/000000000100.json"

func TestNewValidation(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "memory", cfg: Config{Driver: DriverMemory}},
		{name: "unsupported driver", cfg: Config{Driver: "gcs"}, wantErr: true},
		{name: "s3 without bucket", cfg: Config{Driver: DriverS3, S3Client: &scriptedS3{}}, wantErr: true},
		{name: "s3 without client", cfg: Config{Driver: DriverS3, Bucket: "vault-snapshots"}, wantErr: true},
		{name: "empty driver defaults to s3", cfg: Config{Bucket: "vault-snapshots", S3Client: &scriptedS3{}}},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			store, err := New(tc.cfg)
			if tc.wantErr {
				if !errors.Is(err, ErrInvalidConfig) {
					t.Fatalf("err = %v, want ErrInvalidConfig", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			if store == nil {
				t.Fatal("New returned a nil store")
			}
		})
	}
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	t.Parallel()

	store, err := New(Config{Driver: DriverMemory, Prefix: "reconciler-a/"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	payload := []byte(`{"version":"v1","head":100}`)
	err = store.Put(context.Background(), "/"+archiveTestKey, payload, PutOptions{
		ContentType: "application/json",
		Metadata:    map[string]string{"snapshot-id": "0xabc"},
	})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	ok, err := store.Exists(context.Background(), archiveTestKey)
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if !ok {
		t.Fatal("Exists = false for a stored key")
	}

	obj, err := store.Get(context.Background(), archiveTestKey)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if obj.Key != archiveTestKey {
		t.Errorf("key = %q", obj.Key)
	}
	if !bytes.Equal(obj.Data, payload) {
		t.Errorf("data = %q, want %q", obj.Data, payload)
	}
	if obj.ContentType != "application/json" {
		t.Errorf("content type = %q", obj.ContentType)
	}
	if obj.Metadata["snapshot-id"] != "0xabc" {
		t.Errorf("metadata = %v", obj.Metadata)
	}
	if obj.ETag == "" || obj.LastModified.IsZero() {
		t.Errorf("missing etag or timestamp: %+v", obj)
	}
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	t.Parallel()

	store, err := New(Config{Driver: DriverMemory})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := store.Put(context.Background(), archiveTestKey, []byte(`{"head":100}`), PutOptions{
		Metadata: map[string]string{"snapshot-id": "0xabc"},
	}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	obj, err := store.Get(context.Background(), archiveTestKey)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	obj.Data[0] = 'X'
	obj.Metadata["snapshot-id"] = "mutated"

	reload, err := store.Get(context.Background(), archiveTestKey)
	if err != nil {
		t.Fatalf("Get (reload): %v", err)
	}
	if reload.Data[0] != '{' {
		t.Error("stored payload mutated through a returned copy")
	}
	if reload.Metadata["snapshot-id"] != "0xabc" {
		t.Errorf("stored metadata mutated: %v", reload.Metadata)
	}
}

func TestMemoryStoreMissingKey(t *testing.T) {
	t.Parallel()

	store, err := New(Config{Driver: DriverMemory})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := store.Get(context.Background(), archiveTestKey); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get: err = %v, want ErrNotFound", err)
	}
	ok, err := store.Exists(context.Background(), archiveTestKey)
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if ok {
		t.Error("Exists = true for a missing key")
	}
}

func TestStoreRejectsInvalidKeys(t *testing.T) {
	t.Parallel()

	store, err := New(Config{Driver: DriverMemory})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	for _, key := range []string{"", "   ", "\x00bad", "new\nline", " padded "} {
		key := key
		t.Run(strings.ReplaceAll(key, "\x00", "nul"), func(t *testing.T) {
			t.Parallel()
			if err := store.Put(context.Background(), key, []byte("x"), PutOptions{}); !errors.Is(err, ErrInvalidKey) {
				t.Errorf("Put(%q): err = %v, want ErrInvalidKey", key, err)
			}
			if _, err := store.Get(context.Background(), key); !errors.Is(err, ErrInvalidKey) {
				t.Errorf("Get(%q): err = %v, want ErrInvalidKey", key, err)
			}
			if _, err := store.Exists(context.Background(), key); !errors.Is(err, ErrInvalidKey) {
				t.Errorf("Exists(%q): err = %v, want ErrInvalidKey", key, err)
			}
		})
	}
}

func TestS3StorePrefixesKeysAndForwardsAttributes(t *testing.T) {
	t.Parallel()

	const fullKey = "mirror-1/" + archiveTestKey
	client := &scriptedS3{}
	store, err := New(Config{
		Driver:   DriverS3,
		Bucket:   "vault-snapshots",
		Prefix:   "mirror-1",
		S3Client: client,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	client.putFn = func(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
		if aws.ToString(in.Bucket) != "vault-snapshots" {
			t.Errorf("bucket = %q", aws.ToString(in.Bucket))
		}
		if aws.ToString(in.Key) != fullKey {
			t.Errorf("put key = %q, want %q", aws.ToString(in.Key), fullKey)
		}
		if aws.ToString(in.ContentType) != "application/json" {
			t.Errorf("content type = %q", aws.ToString(in.ContentType))
		}
		if in.Metadata["snapshot-id"] != "0xdef" {
			t.Errorf("metadata = %v", in.Metadata)
		}
		return &s3.PutObjectOutput{}, nil
	}
	client.getFn = func(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
		if aws.ToString(in.Key) != fullKey {
			t.Errorf("get key = %q, want %q", aws.ToString(in.Key), fullKey)
		}
		return &s3.GetObjectOutput{
			Body:        io.NopCloser(strings.NewReader(`{"version":"v1"}`)),
			ContentType: aws.String("application/json"),
			Metadata:    map[string]string{"snapshot-id": "0xdef"},
			ETag:        aws.String(`"abc123"`),
		}, nil
	}
	client.headFn = func(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
		if aws.ToString(in.Key) != fullKey {
			t.Errorf("head key = %q, want %q", aws.ToString(in.Key), fullKey)
		}
		return &s3.HeadObjectOutput{}, nil
	}

	if err := store.Put(context.Background(), archiveTestKey, []byte(`{"version":"v1"}`), PutOptions{
		ContentType: "application/json",
		Metadata:    map[string]string{"snapshot-id": "0xdef"},
	}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	obj, err := store.Get(context.Background(), archiveTestKey)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(obj.Data) != `{"version":"v1"}` {
		t.Errorf("data = %q", obj.Data)
	}
	if obj.ETag != "abc123" {
		t.Errorf("etag = %q, want quotes stripped", obj.ETag)
	}

	ok, err := store.Exists(context.Background(), archiveTestKey)
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if !ok {
		t.Error("Exists = false for a present object")
	}
}

func TestS3StoreMapsNotFound(t *testing.T) {
	t.Parallel()

	store, err := New(Config{
		Driver: DriverS3,
		Bucket: "vault-snapshots",
		S3Client: &scriptedS3{
			getFn: func(context.Context, *s3.GetObjectInput, ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
				return nil, s3APIError{code: "NoSuchKey"}
			},
			headFn: func(context.Context, *s3.HeadObjectInput, ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
				return nil, s3APIError{code: "NotFound"}
			},
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := store.Get(context.Background(), archiveTestKey); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get: err = %v, want ErrNotFound", err)
	}
	ok, err := store.Exists(context.Background(), archiveTestKey)
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if ok {
		t.Error("Exists = true for a missing object")
	}
}

func TestS3StoreBoundsGetSize(t *testing.T) {
	t.Parallel()

	store, err := New(Config{
		Driver:     DriverS3,
		Bucket:     "vault-snapshots",
		MaxGetSize: 8,
		S3Client: &scriptedS3{
			getFn: func(context.Context, *s3.GetObjectInput, ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
				return &s3.GetObjectOutput{
					Body: io.NopCloser(strings.NewReader("well past eight bytes")),
				}, nil
			},
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := store.Get(context.Background(), archiveTestKey); !errors.Is(err, ErrTooLarge) {
		t.Errorf("Get: err = %v, want ErrTooLarge", err)
	}
}

type scriptedS3 struct {
	putFn  func(context.Context, *s3.PutObjectInput, ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	getFn  func(context.Context, *s3.GetObjectInput, ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	headFn func(context.Context, *s3.HeadObjectInput, ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

func (f *scriptedS3) PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.putFn == nil {
		return &s3.PutObjectOutput{}, nil
	}
	return f.putFn(ctx, in, opts...)
}

func (f *scriptedS3) GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if f.getFn == nil {
		return nil, errors.New("unexpected GetObject call")
	}
	return f.getFn(ctx, in, opts...)
}

func (f *scriptedS3) HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if f.headFn == nil {
		return &s3.HeadObjectOutput{}, nil
	}
	return f.headFn(ctx, in, opts...)
}

type s3APIError struct {
	code string
}

func (e s3APIError) ErrorCode() string             { return e.code }
func (e s3APIError) ErrorMessage() string          { return e.code }
func (e s3APIError) ErrorFault() smithy.ErrorFault { return smithy.FaultClient }
func (e s3APIError) Error() string                 { return "api error " + e.code }
