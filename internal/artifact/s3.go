package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Source fetches artifacts from object storage ("bucket" and "key"
// parameters). The client is built lazily from the ambient AWS configuration
// on first use, so registering the source without AWS credentials present is
// harmless as long as the method stays unused.
type S3Source struct {
	once   sync.Once
	client *s3.Client
	err    error
}

func NewS3Source() *S3Source {
	return &S3Source{}
}

func (s *S3Source) Open(ctx context.Context, p Params) (io.ReadCloser, error) {
	bucket, key := p["bucket"], p["key"]
	if bucket == "" || key == "" {
		return nil, errors.New("artifact: s3 method requires bucket and key parameters")
	}
	s.once.Do(func() {
		cfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			s.err = fmt.Errorf("artifact: load aws config: %w", err)
			return
		}
		s.client = s3.NewFromConfig(cfg)
	})
	if s.err != nil {
		return nil, s.err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("artifact: get s3://%s/%s: %w", bucket, key, err)
	}
	return out.Body, nil
}
