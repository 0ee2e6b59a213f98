package repo

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeRPMDir(t *testing.T, names ...string) string {
	t.Helper()
	dir := t.TempDir()
	for _, name := range names {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("rpm: "+name), 0o644))
	}
	return dir
}

func TestLocalHTTP(t *testing.T) {
	rpmsDir := writeRPMDir(t, "pkg-a-1.0.rpm", "pkg-b-1.0.rpm")
	cacheDir := t.TempDir()

	var indexed string
	l := NewLocalHTTP(rpmsDir, cacheDir, "127.0.0.1", 18321)
	l.Index = func(dir string) error {
		indexed = dir
		return nil
	}
	defer l.Release()

	h, err := l.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "rpmci", h.Name)
	assert.Equal(t, "http://127.0.0.1:18321", h.BaseURL)
	assert.Equal(t, filepath.Join(cacheDir, "repo"), indexed)

	resp, err := http.Get(h.BaseURL + "/pkg-a-1.0.rpm")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "rpm: pkg-a-1.0.rpm", string(body))

	l.Release()

	_, err = http.Get(h.BaseURL + "/pkg-a-1.0.rpm")
	assert.Error(t, err)
}

func TestLocalHTTPStagingFailureStartsNoServer(t *testing.T) {
	l := NewLocalHTTP(filepath.Join(t.TempDir(), "missing"), t.TempDir(), "127.0.0.1", 18322)
	l.Index = func(string) error { return nil }

	_, err := l.Acquire(context.Background())
	require.Error(t, err)

	// Nothing to release and nothing listening.
	l.Release()
	_, err = http.Get("http://127.0.0.1:18322/")
	assert.Error(t, err)
}

func TestExistingURL(t *testing.T) {
	e := NewExistingURL("http://repo.example.com/x86_64/")

	h, err := e.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "http://repo.example.com/x86_64/", h.BaseURL)

	e.Release()
}

type fakeS3 struct {
	putKeys     []string
	deletedKeys []string
	putErr      error
}

func (f *fakeS3) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.putErr != nil {
		return nil, f.putErr
	}
	f.putKeys = append(f.putKeys, *params.Key)
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error) {
	for _, o := range params.Delete.Objects {
		f.deletedKeys = append(f.deletedKeys, *o.Key)
	}
	return &s3.DeleteObjectsOutput{}, nil
}

func TestS3(t *testing.T) {
	rpmsDir := writeRPMDir(t, "pkg-a-1.0.rpm")

	fake := &fakeS3{}
	p := newS3(rpmsDir, t.TempDir(), "test-bucket", "run1234", "eu-central-1")
	p.Index = func(string) error { return nil }
	p.client = fake

	h, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "https://test-bucket.s3.eu-central-1.amazonaws.com/rpmci-repo-run1234/", h.BaseURL)
	assert.Equal(t, []string{"rpmci-repo-run1234/pkg-a-1.0.rpm"}, fake.putKeys)

	p.Release()
	assert.Equal(t, fake.putKeys, fake.deletedKeys)

	// Release is idempotent once everything is gone.
	p.Release()
	assert.Len(t, fake.deletedKeys, 1)
}

func TestS3UploadFailure(t *testing.T) {
	rpmsDir := writeRPMDir(t, "pkg-a-1.0.rpm")

	fake := &fakeS3{putErr: fmt.Errorf("access denied")}
	p := newS3(rpmsDir, t.TempDir(), "test-bucket", "run1234", "eu-central-1")
	p.Index = func(string) error { return nil }
	p.client = fake

	_, err := p.Acquire(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "access denied")
}
