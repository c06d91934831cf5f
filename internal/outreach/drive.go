package outreach

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

const folderMarker = ".folder"

// S3Options configures S3Drive.
type S3Options struct {
	Bucket    string
	Region    string
	Endpoint  string
	PathStyle bool
}

type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Drive provisions lead folders as prefixes in an S3 bucket.
type S3Drive struct {
	client objectPutter
	bucket string
}

// NewS3Drive loads AWS configuration and builds the drive. A custom endpoint
// (MinIO, LocalStack) is honoured when set.
func NewS3Drive(ctx context.Context, opts S3Options) (*S3Drive, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(opts.Region),
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = opts.PathStyle
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
	})
	return &S3Drive{client: client, bucket: opts.Bucket}, nil
}

func (d *S3Drive) CreateFolder(ctx context.Context, req FolderRequest) (Folder, error) {
	prefix := folderPath(req)
	if prefix == "" {
		return Folder{}, fmt.Errorf("create folder: name required")
	}
	_, err := d.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(d.bucket),
		Key:         aws.String(prefix + "/" + folderMarker),
		Body:        bytes.NewReader(nil),
		ContentType: aws.String("application/x-directory"),
	})
	if err != nil {
		return Folder{}, fmt.Errorf("put object: %w", err)
	}
	return Folder{ID: prefix, Link: fmt.Sprintf("s3://%s/%s/", d.bucket, prefix)}, nil
}

// LocalDrive provisions lead folders on local disk; used in development.
type LocalDrive struct {
	baseDir string
}

func NewLocalDrive(baseDir string) *LocalDrive {
	if baseDir == "" {
		baseDir = "./output"
	}
	return &LocalDrive{baseDir: baseDir}
}

func (l *LocalDrive) CreateFolder(_ context.Context, req FolderRequest) (Folder, error) {
	rel := folderPath(req)
	if rel == "" {
		return Folder{}, fmt.Errorf("create folder: name required")
	}
	dir := filepath.Join(l.baseDir, filepath.FromSlash(rel))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Folder{}, fmt.Errorf("create dirs: %w", err)
	}
	return Folder{ID: rel, Link: "file://" + filepath.ToSlash(dir)}, nil
}

// folderPath turns a request into a clean relative slash path.
func folderPath(req FolderRequest) string {
	clean := func(s string) string {
		s = strings.TrimSpace(s)
		s = strings.ReplaceAll(s, "..", "")
		return strings.Trim(path.Clean("/"+s), "/")
	}
	name := clean(req.Name)
	if name == "" {
		return ""
	}
	if parent := clean(req.Parent); parent != "" {
		return parent + "/" + name
	}
	return name
}
