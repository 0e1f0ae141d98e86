package s3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/require"
)

type fakeUploader struct {
	inputs []*awss3.PutObjectInput
	bodies [][]byte
	err    error
}

func (f *fakeUploader) Upload(_ context.Context, input *awss3.PutObjectInput, _ ...func(*manager.Uploader)) (*manager.UploadOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	body, err := io.ReadAll(input.Body)
	if err != nil {
		return nil, err
	}
	f.inputs = append(f.inputs, input)
	f.bodies = append(f.bodies, body)
	return &manager.UploadOutput{Key: input.Key}, nil
}

func TestPutObject(t *testing.T) {
	t.Parallel()

	up := &fakeUploader{}
	store, err := NewWithUploader(up, "mirror")
	require.NoError(t, err)

	uri, err := store.PutObject(context.Background(), "/crx/store.test/h.crx", "application/x-chrome-extension", bytes.NewReader([]byte("PK")))
	require.NoError(t, err)
	require.Equal(t, "s3://mirror/crx/store.test/h.crx", uri)
	require.Len(t, up.inputs, 1)
	require.Equal(t, "mirror", aws.ToString(up.inputs[0].Bucket))
	require.Equal(t, "crx/store.test/h.crx", aws.ToString(up.inputs[0].Key))
	require.Equal(t, "application/x-chrome-extension", aws.ToString(up.inputs[0].ContentType))
	require.Equal(t, []byte("PK"), up.bodies[0])
}

func TestPutObjectErrors(t *testing.T) {
	t.Parallel()

	store, err := NewWithUploader(&fakeUploader{err: errors.New("slow down")}, "mirror")
	require.NoError(t, err)
	_, err = store.PutObject(context.Background(), "a.json", "", bytes.NewReader(nil))
	require.ErrorContains(t, err, "slow down")

	_, err = store.PutObject(context.Background(), "  ", "", bytes.NewReader(nil))
	require.Error(t, err)

	_, err = NewWithUploader(nil, "mirror")
	require.Error(t, err)
	_, err = NewWithUploader(&fakeUploader{}, "")
	require.Error(t, err)
}

func TestNewRequiresBucket(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), Config{})
	require.Error(t, err)
}
