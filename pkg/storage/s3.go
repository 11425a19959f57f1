package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"
)

const (
	// MaxAttachmentSize is the maximum allowed size for an alert form attachment (25MB).
	MaxAttachmentSize = 25 * 1024 * 1024
	// FolderEvidence is the S3 prefix for recording segment objects.
	FolderEvidence = "evidence"
	// FolderAttachments is the S3 prefix for alert form attachments.
	FolderAttachments = "attachments"
)

// AllowedAttachmentTypes maps accepted attachment MIME types to extensions.
var AllowedAttachmentTypes = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/webp": ".webp",
	"video/mp4":  ".mp4",
	"video/webm": ".webm",
	"audio/webm": ".webm",
	"audio/mpeg": ".mp3",
	"audio/ogg":  ".ogg",
}

// S3Config holds S3 client configuration.
type S3Config struct {
	Region               string
	AccessKeyID          string
	SecretAccessKey      string
	EvidenceBucket       string
	PresignExpireMinutes int
}

// S3 provides object storage for evidence segments and alert attachments.
type S3 struct {
	client   *s3.Client
	uploader *manager.Uploader
	cfg      S3Config
	logger   *zap.Logger
}

// NewS3 creates an S3 client using credentials from config or the environment
// (AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY).
func NewS3(ctx context.Context, cfg S3Config, logger *zap.Logger) (*S3, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	accessKey := cfg.AccessKeyID
	secretKey := cfg.SecretAccessKey
	if accessKey == "" || secretKey == "" {
		accessKey = os.Getenv("AWS_ACCESS_KEY_ID")
		secretKey = os.Getenv("AWS_SECRET_ACCESS_KEY")
	}
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if accessKey != "" && secretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			accessKey, secretKey, "",
		)))
		logger.Info("S3 client using static credentials", zap.String("region", cfg.Region), zap.String("evidence_bucket", cfg.EvidenceBucket))
	} else {
		logger.Warn("S3 client using default credential chain (AWS_ACCESS_KEY_ID/AWS_SECRET_ACCESS_KEY not set)")
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg)
	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = 5 * 1024 * 1024 // 5MB parts for streaming
	})
	return &S3{
		client:   client,
		uploader: uploader,
		cfg:      cfg,
		logger:   logger,
	}, nil
}

// ValidateAttachmentType returns true if the content type is allowed for an
// alert form attachment.
func ValidateAttachmentType(contentType string) bool {
	_, ok := AllowedAttachmentTypes[strings.ToLower(contentType)]
	return ok
}

// AttachmentKey returns the S3 object key for an alert form attachment:
// attachments/{alert_id}{ext}.
func AttachmentKey(alertID, contentType string) string {
	ext := AllowedAttachmentTypes[strings.ToLower(contentType)]
	return path.Join(FolderAttachments, alertID+ext)
}

// SegmentVideoKey returns the S3 object key for a segment's combined A/V
// artifact: evidence/{alert_id}/{recording_id}/{seq}.webm.
func SegmentVideoKey(alertID, recordingID string, seq int) string {
	return path.Join(FolderEvidence, alertID, recordingID, fmt.Sprintf("%05d.webm", seq))
}

// SegmentAudioKey returns the S3 object key for a segment's audio-only track:
// evidence/{alert_id}/{recording_id}/{seq}.audio.webm.
func SegmentAudioKey(alertID, recordingID string, seq int) string {
	return path.Join(FolderEvidence, alertID, recordingID, fmt.Sprintf("%05d.audio.webm", seq))
}

// Bucket returns the evidence bucket name.
func (s *S3) Bucket() string { return s.cfg.EvidenceBucket }

// PublicObjectURL returns the public URL for an object. This is the locator
// written back onto recording sessions.
func (s *S3) PublicObjectURL(key string) string {
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", s.cfg.EvidenceBucket, s.cfg.Region, key)
}

// Upload streams a reader to the evidence bucket and returns the object's
// public URL.
func (s *S3) Upload(ctx context.Context, key, contentType string, body io.Reader, contentLength int64) (string, error) {
	var contentLengthPtr *int64
	if contentLength > 0 {
		contentLengthPtr = &contentLength
	}
	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.cfg.EvidenceBucket),
		Key:           aws.String(key),
		Body:          body,
		ContentType:   aws.String(contentType),
		ContentLength: contentLengthPtr,
	}
	if _, err := s.uploader.Upload(ctx, input); err != nil {
		return "", fmt.Errorf("upload: %w", err)
	}
	return s.PublicObjectURL(key), nil
}

// GeneratePresignedDownloadURL returns a pre-signed GET URL for evidence review.
func (s *S3) GeneratePresignedDownloadURL(ctx context.Context, key string, expires time.Duration) (string, error) {
	presignClient := s3.NewPresignClient(s.client)
	req, err := presignClient.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.EvidenceBucket),
		Key:    aws.String(key),
	}, func(opts *s3.PresignOptions) {
		opts.Expires = expires
	})
	if err != nil {
		return "", fmt.Errorf("presign get: %w", err)
	}
	return req.URL, nil
}

// PresignExpire returns the configured presign duration.
func (s *S3) PresignExpire() time.Duration {
	if s.cfg.PresignExpireMinutes <= 0 {
		return 15 * time.Minute
	}
	return time.Duration(s.cfg.PresignExpireMinutes) * time.Minute
}

// DeleteObject removes an object from the evidence bucket.
func (s *S3) DeleteObject(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.cfg.EvidenceBucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("delete object: %w", err)
	}
	return nil
}
