// utils/r2.go
package utils

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/goccy/go-json"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog/log"

	"battle-system/config"
	"battle-system/services"
)

type objectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// R2Archiver writes battle replays to a Cloudflare R2 bucket.
type R2Archiver struct {
	client objectPutter
	bucket string
}

var _ services.Archiver = (*R2Archiver)(nil)

func NewR2Archiver(ctx context.Context, cfg config.Archive) (*R2Archiver, error) {
	endpoint := fmt.Sprintf("https://%s.r2.cloudflarestorage.com", cfg.AccountID)

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion("auto"),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID, cfg.AccessKeySecret, "",
		)),
		awsconfig.WithEndpointResolver(aws.EndpointResolverFunc(
			func(service, region string) (aws.Endpoint, error) {
				return aws.Endpoint{URL: endpoint}, nil
			}),
		),
	)
	if err != nil {
		return nil, eris.Wrap(err, "failed to load R2 config")
	}

	log.Info().Str("bucket", cfg.Bucket).Msg("replay archive enabled")
	return &R2Archiver{client: s3.NewFromConfig(awsCfg), bucket: cfg.Bucket}, nil
}

// ReplayKey is the object key of a battle's replay.
func ReplayKey(battleID string) string {
	return fmt.Sprintf("battles/%s/replay.json", battleID)
}

func (a *R2Archiver) ArchiveReplay(ctx context.Context, replay services.Replay) error {
	body, err := json.Marshal(replay)
	if err != nil {
		return eris.Wrap(err, "failed to encode replay")
	}

	key := ReplayKey(replay.Session.ID)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return eris.Wrapf(err, "failed to upload replay %s", key)
	}
	return nil
}
