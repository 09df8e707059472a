package certsvc

import (
	"context"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/gengirish/training-feedback/internal/xerrors"
)

// ParameterGetter is the slice of the SSM API the key resolver needs.
type ParameterGetter interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// ResolveAPIKey returns static when set, otherwise reads the SecureString
// parameter name from SSM.
func ResolveAPIKey(ctx context.Context, client ParameterGetter, static, name string) (string, error) {
	if static != "" {
		return static, nil
	}
	if name == "" {
		return "", ErrNotConfigured
	}
	if client == nil {
		return "", xerrors.Newf("no SSM client to read %s", name)
	}

	out, err := client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", xerrors.Wrapf(err, "get SSM parameter %s", name)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return "", xerrors.Newf("SSM parameter %s has no value", name)
	}

	key := strings.TrimSpace(*out.Parameter.Value)
	if key == "" {
		return "", xerrors.Newf("SSM parameter %s is empty", name)
	}
	return key, nil
}
