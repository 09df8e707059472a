package certsvc

import (
	"bytes"
	"context"
	"encoding/base64"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/gengirish/training-feedback/internal/xerrors"
)

// ObjectPutter is the slice of the S3 API the archive needs.
type ObjectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archive keeps a copy of every generated certificate at
// s3://{bucket}/{prefix}/{certificate_id}.pdf.
type S3Archive struct {
	client ObjectPutter
	bucket string
	prefix string
}

func NewS3Archive(client ObjectPutter, bucket, prefix string) (*S3Archive, error) {
	if client == nil {
		return nil, xerrors.New("s3 client is required")
	}
	if bucket == "" {
		return nil, xerrors.New("bucket is required")
	}
	return &S3Archive{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}, nil
}

func (a *S3Archive) key(certificateID string) string {
	if a.prefix == "" {
		return certificateID + ".pdf"
	}
	return path.Join(a.prefix, certificateID+".pdf")
}

// Store decodes pdfBase64 and uploads it.
func (a *S3Archive) Store(ctx context.Context, certificateID, pdfBase64 string) error {
	if certificateID == "" || strings.ContainsAny(certificateID, "/\\") {
		return xerrors.Newf("invalid certificate id %q", certificateID)
	}
	pdf, err := base64.StdEncoding.DecodeString(pdfBase64)
	if err != nil {
		return xerrors.Wrap(err, "decode certificate pdf")
	}

	key := a.key(certificateID)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(a.bucket),
		Key:                  aws.String(key),
		Body:                 bytes.NewReader(pdf),
		ContentLength:        aws.Int64(int64(len(pdf))),
		ContentType:          aws.String("application/pdf"),
		ServerSideEncryption: types.ServerSideEncryptionAes256,
	})
	if err != nil {
		return xerrors.Wrapf(err, "put S3 object s3://%s/%s", a.bucket, key)
	}
	return nil
}
