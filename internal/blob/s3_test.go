package blob

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"time"

	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeS3 is an in-memory bucket implementing S3API and Presigner
type fakeS3 struct {
	mu       sync.Mutex
	objects  map[string][]byte
	metadata map[string]map[string]string
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: map[string][]byte{}, metadata: map[string]map[string]string{}}
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[*in.Key] = data
	f.metadata[*in.Key] = in.Metadata
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[*in.Key]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.objects[*in.Key]; !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, *in.Key)
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) PresignGetObject(_ context.Context, in *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
	opts := s3.PresignOptions{}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &v4.PresignedHTTPRequest{
		URL:    "https://" + *in.Bucket + ".s3.local/" + *in.Key + "?X-Amz-Expires=" + opts.Expires.String() + "&X-Amz-Signature=abc",
		Method: "GET",
	}, nil
}

// TestS3Store_RoundTrip tests the S3 backend against an in-memory bucket
func TestS3Store_RoundTrip(t *testing.T) {
	fake := newFakeS3()
	store := NewS3StoreWithClient(fake, fake, "attachments")
	store.now = func() time.Time { return time.Date(2024, 3, 5, 14, 30, 15, 0, time.UTC) }
	ctx := context.Background()

	data := []byte("spreadsheet bytes")
	uri, err := store.Upload(ctx, data, "prices 2024.xlsx", "")
	require.NoError(t, err)
	assert.Regexp(t, `^s3://attachments/20240305-143015-[0-9A-F]{8}-prices_2024\.xlsx$`, uri)

	key := uri[len("s3://attachments/"):]
	assert.Equal(t, "prices+2024.xlsx", fake.metadata[key]["original-filename"])
	assert.Equal(t, "17", fake.metadata[key]["file-size"])

	got, err := store.Download(ctx, uri)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	link, err := store.TimedDownloadURL(ctx, uri, 10*time.Minute)
	require.NoError(t, err)
	assert.Contains(t, link, "X-Amz-Expires=10m0s")
	assert.NotContains(t, Redact(link), "X-Amz-Signature")

	deleted, err := store.Delete(ctx, uri)
	require.NoError(t, err)
	assert.True(t, deleted)

	ok, err := store.Exists(ctx, uri)
	require.NoError(t, err)
	assert.False(t, ok)

	deleted, err = store.Delete(ctx, uri)
	require.NoError(t, err)
	assert.False(t, deleted)

	_, err = store.Download(ctx, uri)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = store.Download(ctx, "s3://other-bucket/"+key)
	assert.ErrorIs(t, err, ErrInvalidURI)
}
