// Package archive uploads committed builds to object storage.
package archive

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"slices"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/kiln/internal/config"
	"github.com/roach88/kiln/internal/record"
)

// uploadConcurrency bounds parallel artifact uploads.
const uploadConcurrency = 4

// Archiver copies a committed build somewhere durable and returns an
// identifier confirming the upload.
type Archiver interface {
	Archive(ctx context.Context, b *record.Build, dir string) (string, error)
}

// S3API is the subset of the S3 client the archiver uses.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archiver uploads builds to <bucket>/<prefix>/<build id>/.
type S3Archiver struct {
	client S3API
	bucket string
	prefix string
}

// NewS3Archiver builds an S3 client from the default AWS credential chain.
// A custom endpoint switches to path-style addressing for S3 compatible
// stores.
func NewS3Archiver(ctx context.Context, s config.ArchiveSettings) (*S3Archiver, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if s.Region != "" {
		opts = append(opts, awsconfig.WithRegion(s.Region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if s.Endpoint != "" {
			o.BaseEndpoint = aws.String(s.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewS3ArchiverWithClient(client, s.Bucket, s.Prefix), nil
}

// NewS3ArchiverWithClient wraps an existing client.
func NewS3ArchiverWithClient(client S3API, bucket, prefix string) *S3Archiver {
	return &S3Archiver{client: client, bucket: bucket, prefix: prefix}
}

// Key returns the object key of a file inside a build.
func (a *S3Archiver) Key(buildID, name string) string {
	return path.Join(a.prefix, buildID, filepath.ToSlash(name))
}

// Archive uploads every artifact, then commitmeta.json if present, then
// meta.json. meta.json goes last so a listing that shows it implies the
// artifacts are complete. The confirmation is meta.json's version id, or its
// ETag on unversioned buckets.
func (a *S3Archiver) Archive(ctx context.Context, b *record.Build, dir string) (string, error) {
	kinds := make([]string, 0, len(b.Artifacts))
	for kind := range b.Artifacts {
		kinds = append(kinds, kind)
	}
	slices.Sort(kinds)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(uploadConcurrency)
	for _, kind := range kinds {
		art := b.Artifacts[kind]
		g.Go(func() error {
			if _, err := a.put(gctx, b.ID, dir, art.Path, art.SHA256); err != nil {
				return fmt.Errorf("upload %s: %w", kind, err)
			}
			slog.Debug("uploaded artifact", "build_id", b.ID, "kind", kind, "key", a.Key(b.ID, art.Path))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}

	if _, err := a.put(ctx, b.ID, dir, record.CommitMetaFile, ""); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("upload %s: %w", record.CommitMetaFile, err)
	}

	out, err := a.put(ctx, b.ID, dir, record.MetaFile, "")
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", record.MetaFile, err)
	}

	confirmation := aws.ToString(out.VersionId)
	if confirmation == "" {
		confirmation = aws.ToString(out.ETag)
	}
	slog.Info("archived build", "build_id", b.ID, "bucket", a.bucket, "confirmation", confirmation)
	return confirmation, nil
}

// put uploads dir/name. sha256Hex, when known, is sent as an integrity
// checksum S3 verifies server side.
func (a *S3Archiver) put(ctx context.Context, buildID, dir, name, sha256Hex string) (*s3.PutObjectOutput, error) {
	f, err := os.Open(filepath.Join(dir, name))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}

	in := &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(a.Key(buildID, name)),
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
		Metadata:      map[string]string{"kiln-build-id": buildID},
	}
	if sha256Hex != "" {
		sum, err := hex.DecodeString(sha256Hex)
		if err != nil {
			return nil, fmt.Errorf("bad sha256 %q: %w", sha256Hex, err)
		}
		in.ChecksumSHA256 = aws.String(base64.StdEncoding.EncodeToString(sum))
	}
	return a.client.PutObject(ctx, in)
}
