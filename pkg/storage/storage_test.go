package storage

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type recordingUploader struct {
	input *s3.PutObjectInput
	body  string
}

func (r *recordingUploader) Upload(_ context.Context, input *s3.PutObjectInput, _ ...func(*manager.Uploader)) (*manager.UploadOutput, error) {
	r.input = input
	data, err := io.ReadAll(input.Body)
	if err != nil {
		return nil, err
	}
	r.body = string(data)
	return &manager.UploadOutput{Key: input.Key}, nil
}

func TestObjectName(t *testing.T) {
	now := time.Unix(0, 42)

	stem, ext := objectName("Court Photo!.PNG", now)
	require.Equal(t, "Court-Photo-42", stem)
	require.Equal(t, ".png", ext)

	stem, ext = objectName("???", now)
	require.Equal(t, "upload-42", stem)
	require.Empty(t, ext)
}

func TestS3UploadBuildsKeyAndURL(t *testing.T) {
	uploader := &recordingUploader{}
	store := newS3(uploader, S3Config{Bucket: "rally-media", Region: "eu-west-1", Prefix: "/attachments/"}, zerolog.Nop())
	store.now = func() time.Time { return time.Unix(0, 7) }

	url, err := store.Upload(context.Background(), "score sheet.pdf", strings.NewReader("%PDF"))
	require.NoError(t, err)
	require.Equal(t, "https://rally-media.s3.eu-west-1.amazonaws.com/attachments/score-sheet-7.pdf", url)
	require.Equal(t, "rally-media", aws.ToString(uploader.input.Bucket))
	require.Equal(t, "attachments/score-sheet-7.pdf", aws.ToString(uploader.input.Key))
	require.Equal(t, "application/pdf", aws.ToString(uploader.input.ContentType))
	require.Equal(t, "%PDF", uploader.body)
}

func TestS3ObjectURLOverrides(t *testing.T) {
	store := newS3(&recordingUploader{}, S3Config{Bucket: "media", Endpoint: "http://minio:9000/"}, zerolog.Nop())
	require.Equal(t, "http://minio:9000/media/a.png", store.objectURL("a.png"))

	store = newS3(&recordingUploader{}, S3Config{Bucket: "media", PublicURL: "https://cdn.rally.test/"}, zerolog.Nop())
	require.Equal(t, "https://cdn.rally.test/a%20b.png", store.objectURL("a b.png"))
}
