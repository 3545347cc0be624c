package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
)

// S3Fetcher downloads s3://bucket/key references.
type S3Fetcher struct {
	downloader *s3manager.Downloader
}

type S3Config struct {
	Region   string
	Endpoint string
}

func NewS3Fetcher(cfg S3Config) (*S3Fetcher, error) {
	awsCfg := aws.NewConfig()
	if cfg.Region != "" {
		awsCfg = awsCfg.WithRegion(cfg.Region)
	}
	if cfg.Endpoint != "" {
		awsCfg = awsCfg.WithEndpoint(cfg.Endpoint).WithS3ForcePathStyle(true)
	}
	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("create aws session: %w", err)
	}
	return NewS3FetcherWithClient(s3.New(sess)), nil
}

func NewS3FetcherWithClient(client s3iface.S3API) *S3Fetcher {
	return &S3Fetcher{
		downloader: s3manager.NewDownloaderWithClient(client, func(d *s3manager.Downloader) {
			// sequential parts keep the file write pattern simple
			d.Concurrency = 1
		}),
	}
}

func (f *S3Fetcher) Fetch(ctx context.Context, source *url.URL, dest string) error {
	bucket := source.Host
	key := strings.TrimPrefix(source.Path, "/")
	if bucket == "" || key == "" {
		return FetchError(fmt.Sprintf("s3 reference %q needs bucket and key", source.String()), 0, nil)
	}

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return FetchError("open destination", 0, err)
	}

	_, dlErr := f.downloader.DownloadWithContext(ctx, out, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	closeErr := out.Close()
	if dlErr != nil {
		_ = os.Remove(dest)
		return FetchError("s3 download failed", s3StatusCode(dlErr), dlErr)
	}
	if closeErr != nil {
		_ = os.Remove(dest)
		return FetchError("close destination", 0, closeErr)
	}
	return nil
}

func s3StatusCode(err error) int {
	var reqErr awserr.RequestFailure
	if errors.As(err, &reqErr) {
		return reqErr.StatusCode()
	}
	return 0
}
