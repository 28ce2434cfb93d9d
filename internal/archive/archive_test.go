package archive

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePutter struct {
	inputs []*s3.PutObjectInput
	bodies []string
	err    error
}

func (f *fakePutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.inputs = append(f.inputs, in)
	b, _ := io.ReadAll(in.Body)
	f.bodies = append(f.bodies, string(b))
	return &s3.PutObjectOutput{}, f.err
}

func TestArchiveKeyLayout(t *testing.T) {
	p := &fakePutter{}
	a := newS3(p, "billing-audit", "webhooks")
	a.now = func() time.Time { return time.Date(2030, 3, 9, 23, 0, 0, 0, time.UTC) }

	key, err := a.Archive(context.Background(), "paddle", "application/x-www-form-urlencoded", []byte("alert_name=x"))
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(key, "webhooks/paddle/2030/03/09/"), key)
	assert.True(t, strings.HasSuffix(key, ".form"), key)
	require.Len(t, p.inputs, 1)
	assert.Equal(t, "billing-audit", aws.ToString(p.inputs[0].Bucket))
	assert.Equal(t, key, aws.ToString(p.inputs[0].Key))
	assert.Equal(t, "alert_name=x", p.bodies[0])
}

func TestArchiveError(t *testing.T) {
	a := newS3(&fakePutter{err: errors.New("access denied")}, "b", "")
	_, err := a.Archive(context.Background(), "stripe", "application/json", []byte("{}"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stripe")
}

func TestNewS3RequiresBucket(t *testing.T) {
	_, err := NewS3(context.Background(), Config{})
	assert.Error(t, err)
}

func TestS3CompatibleEndpoint(t *testing.T) {
	var (
		mu     sync.Mutex
		method string
		path   string
		body   string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		method, path, body = r.Method, r.URL.Path, string(b)
		mu.Unlock()
		w.Header().Set("ETag", `"abc"`)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a, err := NewS3(context.Background(), Config{
		Bucket:          "billing-audit",
		Prefix:          "webhooks",
		Region:          "us-east-1",
		Endpoint:        srv.URL,
		AccessKeyID:     "test",
		SecretAccessKey: "test",
	})
	require.NoError(t, err)

	key, err := a.Archive(context.Background(), "stripe", "application/json", []byte(`{"id":"evt_1"}`))
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, http.MethodPut, method)
	assert.Equal(t, "/billing-audit/"+key, path)
	assert.Contains(t, body, `{"id":"evt_1"}`)
}
