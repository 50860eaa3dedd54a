package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"medsync/internal/mirror"
)

// DefaultCommitsKey is the change-log object read when none is configured.
const DefaultCommitsKey = "_medsync/commits.json"

// S3API is the subset of the S3 client used by S3Remote.
type S3API interface {
	s3.ListObjectsV2APIClient
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Options configures an S3Remote.
type S3Options struct {
	Name       string
	Bucket     string
	Prefix     string
	CommitsKey string
}

// S3Remote mirrors a library stored in an S3 bucket. The change log is a
// JSON document (same shapes as the HTTP commits endpoint) at CommitsKey.
type S3Remote struct {
	client     S3API
	name       string
	bucket     string
	prefix     string
	commitsKey string
}

// NewS3Remote wraps an S3 client.
func NewS3Remote(client S3API, opts S3Options) (*S3Remote, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("s3 remote requires a bucket")
	}
	prefix := strings.TrimLeft(opts.Prefix, "/")
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	commitsKey := opts.CommitsKey
	if commitsKey == "" {
		commitsKey = prefix + DefaultCommitsKey
	}
	name := opts.Name
	if name == "" {
		name = "s3://" + opts.Bucket + "/" + prefix
	}
	return &S3Remote{
		client:     client,
		name:       name,
		bucket:     opts.Bucket,
		prefix:     prefix,
		commitsKey: commitsKey,
	}, nil
}

// S3ClientOptions describes how to reach the bucket.
type S3ClientOptions struct {
	Region          string
	Endpoint        string // S3-compatible endpoint, e.g. MinIO; implies path-style addressing
	AccessKeyID     string // static credentials; the default chain is used when empty
	SecretAccessKey string
}

// NewS3Client builds an S3 client from the default AWS configuration chain.
func NewS3Client(ctx context.Context, opts S3ClientOptions) (*s3.Client, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	if opts.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, ""),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

func (r *S3Remote) Name() string { return r.name }

// Commits reads the change-log object and keeps entries newer than since.
// A missing object means no commits.
func (r *S3Remote) Commits(ctx context.Context, since *time.Time) ([]mirror.Commit, error) {
	out, err := r.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(r.commitsKey),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetching change log %s: %w", r.commitsKey, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("reading change log: %w", err)
	}
	commits, err := decodeCommits(data)
	if err != nil {
		return nil, err
	}
	if since == nil {
		return commits, nil
	}

	var newer []mirror.Commit
	for _, c := range commits {
		if _, at, ok := mirror.CommitMeta(c); ok && !at.After(*since) {
			continue
		}
		newer = append(newer, c)
	}
	return newer, nil
}

// ListFiles lists every object under the prefix except the change log.
func (r *S3Remote) ListFiles(ctx context.Context) ([]mirror.RemoteFile, error) {
	paginator := s3.NewListObjectsV2Paginator(r.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(r.bucket),
		Prefix: aws.String(r.prefix),
	})

	var files []mirror.RemoteFile
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing s3://%s/%s: %w", r.bucket, r.prefix, err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if key == r.commitsKey || strings.HasSuffix(key, "/") {
				continue
			}
			p := mirror.NormalizePath(strings.TrimPrefix(key, r.prefix))
			if p == "" {
				continue
			}
			files = append(files, mirror.RemoteFile{
				Path: p,
				Size: aws.ToInt64(obj.Size),
				Hash: etagDigest(aws.ToString(obj.ETag)),
			})
		}
	}
	return files, nil
}

// CountFiles counts listed objects in scope. S3 has no cheaper count.
func (r *S3Remote) CountFiles(ctx context.Context, folders []string) (int, error) {
	files, err := r.ListFiles(ctx)
	if err != nil {
		return 0, err
	}
	filter := mirror.NewFolderFilter(folders)
	n := 0
	for _, f := range files {
		if filter.IsInScope(f.Path) {
			n++
		}
	}
	return n, nil
}

func (r *S3Remote) Download(ctx context.Context, remotePath string) (io.ReadCloser, error) {
	out, err := r.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(r.prefix + mirror.NormalizePath(remotePath)),
	})
	if err != nil {
		return nil, fmt.Errorf("getting %s: %w", remotePath, err)
	}
	return out.Body, nil
}

// etagDigest returns the MD5 hex digest carried by a single-part upload's
// ETag. Multipart ETags are not content digests and yield "".
func etagDigest(etag string) string {
	etag = strings.Trim(etag, `"`)
	if len(etag) != 32 || strings.Contains(etag, "-") {
		return ""
	}
	return strings.ToLower(etag)
}

// Compile-time check
var _ mirror.Remote = (*S3Remote)(nil)
