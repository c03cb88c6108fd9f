package worker

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/disintegration/imaging"

	"device-dispatch/internal/config"
	"device-dispatch/internal/models"
	"device-dispatch/internal/translate"
)

type mediaUploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// MediaStager fetches a media task's source object and re-hosts it where the
// device agent can reach it. Image media additionally gets a thumbnail
// staged next to the original.
type MediaStager struct {
	cfg        config.Config
	httpClient *http.Client
	local      mediaUploader
	s3         mediaUploader
}

// NewMediaStager constructs the stager and chooses an uploader (local or S3).
func NewMediaStager(ctx context.Context, cfg config.Config) (*MediaStager, error) {
	timeout := cfg.MediaTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	baseDir := cfg.MediaOutputDir
	if baseDir == "" {
		baseDir = "./media"
	}

	var s3Upload mediaUploader
	if cfg.MediaS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		s3Upload = &s3Uploader{client: client, bucket: cfg.MediaS3Bucket}
	}

	return &MediaStager{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
		local:      &localUploader{baseDir: baseDir},
		s3:         s3Upload,
	}, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.MediaS3Region),
	}
	if cfg.MediaS3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.MediaS3Endpoint,
					HostnameImmutable: cfg.MediaS3PathStyle,
					SigningRegion:     cfg.MediaS3Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.MediaS3PathStyle
	}), nil
}

// Stage downloads the source media and uploads it under the task's key,
// returning the instruction with its media URL rewritten to the staged
// object. Failures here are transport-class: the dispatcher retries them.
func (m *MediaStager) Stage(ctx context.Context, task models.Task, ins translate.Instruction) (translate.Instruction, error) {
	data, contentType, err := m.download(ctx, ins.MediaURL)
	if err != nil {
		return ins, err
	}
	if ins.ContentType != "" {
		contentType = ins.ContentType
	}

	key := fmt.Sprintf("staged/%s%s", task.ID, extensionFor(contentType, ins.MediaURL))
	uploader := m.uploader()

	stagedURL, err := uploader.Upload(ctx, key, data, contentType)
	if err != nil {
		return ins, fmt.Errorf("upload media: %w", err)
	}

	if thumb, ok := m.thumbnail(data); ok {
		thumbKey := fmt.Sprintf("staged/%s_thumb.jpg", task.ID)
		if _, err := uploader.Upload(ctx, thumbKey, thumb, "image/jpeg"); err != nil {
			return ins, fmt.Errorf("upload thumbnail: %w", err)
		}
	}

	staged := ins
	staged.MediaURL = stagedURL
	staged.ContentType = contentType
	return staged, nil
}

func (m *MediaStager) uploader() mediaUploader {
	if m.s3 != nil {
		return m.s3
	}
	return m.local
}

func (m *MediaStager) download(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download media: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, "", fmt.Errorf("download media: status %d", resp.StatusCode)
	}

	limit := m.cfg.MediaMaxBytes
	if limit == 0 {
		limit = 25 * 1024 * 1024
	}
	limited := io.LimitReader(resp.Body, limit+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, "", fmt.Errorf("read media: %w", err)
	}
	if int64(len(body)) > limit {
		return nil, "", fmt.Errorf("media too large (>%d bytes)", limit)
	}
	return body, resp.Header.Get("Content-Type"), nil
}

// thumbnail produces a JPEG preview when the payload decodes as an image.
// Non-image media simply stages without one.
func (m *MediaStager) thumbnail(data []byte) ([]byte, bool) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, false
	}
	width := m.cfg.MediaThumbWidth
	if width == 0 {
		width = 320
	}
	thumb := imaging.Resize(img, width, 0, imaging.Lanczos)
	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, thumb, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return nil, false
	}
	return buf.Bytes(), true
}

func extensionFor(contentType, sourceURL string) string {
	switch {
	case strings.Contains(contentType, "png"):
		return ".png"
	case strings.Contains(contentType, "jpeg"), strings.Contains(contentType, "jpg"):
		return ".jpg"
	case strings.Contains(contentType, "gif"):
		return ".gif"
	case strings.Contains(contentType, "pdf"):
		return ".pdf"
	case strings.Contains(contentType, "mp4"):
		return ".mp4"
	case strings.Contains(contentType, "ogg"):
		return ".ogg"
	}
	if ext := filepath.Ext(sourceURL); ext != "" && len(ext) <= 5 {
		return ext
	}
	return ".bin"
}

type localUploader struct {
	baseDir string
}

func (l *localUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.baseDir, key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

type s3Uploader struct {
	client *s3.Client
	bucket string
}

func (s *s3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
