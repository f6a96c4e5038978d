// Package storage archives inbound media so stored messages can link to it.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"whatsapp-chatbot/internal/channel"
	"whatsapp-chatbot/internal/config"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/google/uuid"
)

var ErrNoMedia = errors.New("storage: media has no data")

type S3Archive struct {
	client    *s3.S3
	bucket    string
	publicURL string
}

// NewS3Archive returns nil, nil when no bucket is configured; callers treat a
// nil archive as disabled.
func NewS3Archive(cfg config.ArchiveConfig) (*S3Archive, error) {
	if cfg.Bucket == "" {
		return nil, nil
	}
	awsCfg := &aws.Config{
		Region: aws.String(cfg.Region),
	}
	if cfg.AccessKey != "" {
		awsCfg.Credentials = credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, "")
	}
	if cfg.Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.Endpoint)
		awsCfg.S3ForcePathStyle = aws.Bool(true)
	}
	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("create s3 session: %w", err)
	}

	publicURL := strings.TrimRight(cfg.PublicURL, "/")
	if publicURL == "" {
		base := "https://" + cfg.Bucket + ".s3." + cfg.Region + ".amazonaws.com"
		if cfg.Endpoint != "" {
			base = strings.TrimRight(cfg.Endpoint, "/") + "/" + cfg.Bucket
		}
		publicURL = base
	}
	return &S3Archive{client: s3.New(sess), bucket: cfg.Bucket, publicURL: publicURL}, nil
}

// Archive uploads the media under <business>/<yyyy-mm-dd>/<uuid><ext> and
// returns its public url.
func (a *S3Archive) Archive(ctx context.Context, businessID string, m *channel.Media) (string, error) {
	if m == nil || len(m.Data) == 0 {
		return "", ErrNoMedia
	}
	contentType := m.MimeType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	key := ObjectKey(businessID, contentType, time.Now().UTC())

	_, err := a.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(m.Data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}
	return a.publicURL + "/" + key, nil
}

func ObjectKey(businessID, mimeType string, at time.Time) string {
	return businessID + "/" + at.Format("2006-01-02") + "/" + uuid.NewString() + extension(mimeType)
}

func extension(mimeType string) string {
	mimeType, _, _ = strings.Cut(mimeType, ";")
	switch strings.TrimSpace(strings.ToLower(mimeType)) {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	case "audio/ogg":
		return ".ogg"
	case "audio/mpeg":
		return ".mp3"
	case "audio/mp4":
		return ".m4a"
	case "video/mp4":
		return ".mp4"
	case "application/pdf":
		return ".pdf"
	}
	return ""
}
