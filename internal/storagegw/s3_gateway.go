package storagegw

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/omtx-labs/gpu-orchestrator/internal/config"
	"github.com/omtx-labs/gpu-orchestrator/internal/model"
	"go.uber.org/zap"
)

var (
	_ Gateway = (*S3Gateway)(nil)
	_ backend = (*S3Gateway)(nil)
)

// S3Gateway is the production Gateway, backed by an S3-compatible
// object store (S3 itself, or MinIO/LocalStack via a configured
// endpoint).
type S3Gateway struct {
	bucket   string
	client   *s3.S3
	uploader *s3manager.Uploader
	log      *zap.Logger
}

// NewS3Gateway builds a Gateway from the orchestrator's storage
// config.
func NewS3Gateway(cfg *config.Config, log *zap.Logger) (*S3Gateway, error) {
	awsCfg := &aws.Config{Region: aws.String(cfg.Storage.Region)}
	if cfg.Storage.Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.Storage.Endpoint)
		awsCfg.S3ForcePathStyle = aws.Bool(true)
	}

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("creating object store session: %w", err)
	}

	return &S3Gateway{
		bucket:   cfg.Storage.Bucket,
		client:   s3.New(sess),
		uploader: s3manager.NewUploader(sess),
		log:      log,
	}, nil
}

func (g *S3Gateway) put(ctx context.Context, path string, data []byte, contentType string) error {
	input := &s3manager.UploadInput{
		Bucket: aws.String(g.bucket),
		Key:    aws.String(path),
		Body:   bytes.NewReader(data),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if contentType == "application/gzip" {
		input.ContentEncoding = aws.String("gzip")
	}
	if _, err := g.uploader.UploadWithContext(ctx, input); err != nil {
		return fmt.Errorf("uploading %s: %w", path, err)
	}
	return nil
}

func (g *S3Gateway) get(ctx context.Context, path string) ([]byte, error) {
	result, err := g.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(g.bucket),
		Key:    aws.String(path),
	})
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", path, err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	if result.ContentEncoding != nil && *result.ContentEncoding == "gzip" {
		return gzipDecompress(data)
	}
	return data, nil
}

func (g *S3Gateway) copy(ctx context.Context, src, dst string) error {
	_, err := g.client.CopyObjectWithContext(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(g.bucket),
		CopySource: aws.String(g.bucket + "/" + src),
		Key:        aws.String(dst),
	})
	if err != nil {
		return fmt.Errorf("copying %s -> %s: %w", src, dst, err)
	}
	return nil
}

func (g *S3Gateway) del(ctx context.Context, path string) error {
	_, err := g.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(g.bucket),
		Key:    aws.String(path),
	})
	if err != nil {
		return fmt.Errorf("deleting %s: %w", path, err)
	}
	return nil
}

func (g *S3Gateway) exists(ctx context.Context, path string) (bool, error) {
	_, err := g.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(g.bucket),
		Key:    aws.String(path),
	})
	if err != nil {
		if reqErr, ok := err.(interface{ StatusCode() int }); ok && reqErr.StatusCode() == 404 {
			return false, nil
		}
		return false, fmt.Errorf("checking %s: %w", path, err)
	}
	return true, nil
}

func (g *S3Gateway) Upload(ctx context.Context, path string, data []byte, contentType string) error {
	if !ValidatePath(path) {
		return model.NewError(model.KindValidation, "path outside the canonical storage schema").WithOp("Upload")
	}
	return g.put(ctx, path, data, contentType)
}

func (g *S3Gateway) Download(ctx context.Context, path string) ([]byte, error) {
	data, err := g.get(ctx, path)
	if err != nil {
		return nil, model.NewError(model.KindStorageUnavailable, "download failed").WithOp("Download").WithErr(err)
	}
	return data, nil
}

func (g *S3Gateway) Copy(ctx context.Context, src, dst string) error {
	if !ValidatePath(dst) {
		return model.NewError(model.KindValidation, "destination outside the canonical storage schema").WithOp("Copy")
	}
	return g.copy(ctx, src, dst)
}

func (g *S3Gateway) Delete(ctx context.Context, path string) error {
	return g.del(ctx, path)
}

func (g *S3Gateway) Exists(ctx context.Context, path string) (bool, error) {
	return g.exists(ctx, path)
}

func (g *S3Gateway) StoreJobResultAtomic(ctx context.Context, prefix string, files []File) error {
	return g.atomic(ctx, prefix, files)
}

func (g *S3Gateway) CreateBatchAggregationAtomic(ctx context.Context, prefix string, files []File) error {
	return g.atomic(ctx, prefix, files)
}

func (g *S3Gateway) atomic(ctx context.Context, prefix string, files []File) error {
	dest := make([]destFile, len(files))
	for i, f := range files {
		path := prefix + "/" + f.Path
		if !ValidatePath(path) {
			return model.NewError(model.KindValidation, fmt.Sprintf("%s is outside the canonical storage schema", path))
		}
		dest[i] = destFile{File: File{Path: f.Path, Data: f.Data, ContentType: f.ContentType}, destPath: path}
	}
	if err := runAtomicWrite(ctx, g, dest); err != nil {
		return model.NewError(model.KindStorageUnavailable, "atomic write failed").WithOp("atomic").WithErr(err)
	}
	g.writeSearchIndex(ctx, prefix, files)
	return nil
}

// writeSearchIndex is best-effort per §4.3: a failure here never fails
// the enclosing transaction.
func (g *S3Gateway) writeSearchIndex(ctx context.Context, prefix string, files []File) {
	if len(files) == 0 {
		return
	}
	idxPath := "index/jobs/" + lastSegment(prefix) + ".json"
	if !ValidatePath(idxPath) {
		return
	}
	if err := g.put(ctx, idxPath, []byte(`{"prefix":"`+prefix+`"}`), "application/json"); err != nil {
		g.log.Warn("best-effort search index write failed", zap.String("prefix", prefix), zap.Error(err))
	}
}

func lastSegment(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[i+1:]
		}
	}
	return path
}

func (g *S3Gateway) WriteResults(ctx context.Context, path string, data []byte) error {
	return g.Upload(ctx, path, data, "application/json")
}

func (g *S3Gateway) ReadResults(ctx context.Context, path string) ([]byte, error) {
	return g.Download(ctx, path)
}
