package repo

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	log "github.com/sirupsen/logrus"

	"github.com/osbuild/rpmci/config"
)

// s3API is the slice of the S3 client the provider uses. *s3.Client
// satisfies it; tests use a fake.
type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
}

// S3 uploads a staged package directory into an object storage bucket under
// a per-run prefix and deletes the uploaded objects on release. The bucket
// itself is pre-existing and must allow public reads; only the objects
// belong to the run.
type S3 struct {
	rpmsDir  string
	cacheDir string
	bucket   string
	region   string
	prefix   string

	// Index generates the repository metadata; replaced in tests.
	Index Indexer

	client   s3API
	uploaded []string
}

func NewS3(rpmsDir, cacheDir, bucket, runID string, creds *config.AWSCredentials) (*S3, error) {
	cfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(creds.AccessKeyID, creds.SecretAccessKey, ""),
		),
		awsconfig.WithRegion(creds.RegionName),
	)
	if err != nil {
		return nil, fmt.Errorf("can't load AWS config: %w", err)
	}

	p := newS3(rpmsDir, cacheDir, bucket, runID, creds.RegionName)
	p.client = s3.NewFromConfig(cfg)
	return p, nil
}

func newS3(rpmsDir, cacheDir, bucket, runID, region string) *S3 {
	return &S3{
		rpmsDir:  rpmsDir,
		cacheDir: cacheDir,
		bucket:   bucket,
		region:   region,
		prefix:   fmt.Sprintf("rpmci-repo-%s", runID),
		Index:    createrepo,
	}
}

func (p *S3) Acquire(ctx context.Context) (Handle, error) {
	repoDir, err := stageRPMs(p.rpmsDir, p.cacheDir, p.Index)
	if err != nil {
		return Handle{}, err
	}

	err = filepath.Walk(repoDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(repoDir, path)
		if err != nil {
			return err
		}
		key := p.prefix + "/" + filepath.ToSlash(rel)

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()

		log.WithField("key", key).Info("uploading to S3")
		_, err = p.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(p.bucket),
			Key:    aws.String(key),
			Body:   f,
			ACL:    s3types.ObjectCannedACLPublicRead,
		})
		if err != nil {
			return fmt.Errorf("can't upload %s: %w", key, err)
		}

		p.uploaded = append(p.uploaded, key)
		return nil
	})
	if err != nil {
		return Handle{}, err
	}

	baseURL := fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s/", p.bucket, p.region, p.prefix)
	return Handle{Name: "rpmci", BaseURL: baseURL}, nil
}

func (p *S3) Release() {
	if len(p.uploaded) == 0 {
		return
	}

	objects := make([]s3types.ObjectIdentifier, len(p.uploaded))
	for i, key := range p.uploaded {
		objects[i] = s3types.ObjectIdentifier{Key: aws.String(key)}
	}

	log.WithField("bucket", p.bucket).Info("removing repository objects from S3")
	_, err := p.client.DeleteObjects(context.Background(), &s3.DeleteObjectsInput{
		Bucket: aws.String(p.bucket),
		Delete: &s3types.Delete{Objects: objects},
	})
	if err != nil {
		log.WithError(err).Warn("failed to delete repository objects")
	}
	p.uploaded = nil
}
