package paramstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
)

// ErrNotFound is returned when a parameter does not exist.
var ErrNotFound = errors.New("paramstore: parameter not found")

// ssmAPI is the minimal AWS SSM interface required by Client.
// *ssm.Client from aws-sdk-go-v2 satisfies this interface.
type ssmAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// Getter is the interface that wraps GetParameter.
// Consumers (the Workers AI client, the chat service) depend on this
// interface so they run against SSM in Lambda and the environment locally.
type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// Client wraps an AWS SSM API for parameter retrieval.
type Client struct {
	api ssmAPI
}

// New creates a Client with the given SSM API implementation.
func New(api ssmAPI) (*Client, error) {
	if api == nil {
		return nil, errors.New("paramstore: api must not be nil")
	}
	return &Client{api: api}, nil
}

func (c *Client) GetParameter(ctx context.Context, name string) (string, error) {
	if c.api == nil {
		return "", errors.New("paramstore: client not initialized")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("paramstore: name is required")
	}

	withDecryption := true
	out, err := c.api.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           &name,
		WithDecryption: &withDecryption,
	})
	if err != nil {
		var notFound *types.ParameterNotFound
		if errors.As(err, &notFound) {
			return "", fmt.Errorf("%w: %q", ErrNotFound, name)
		}
		return "", fmt.Errorf("paramstore: get parameter %q: %w", name, err)
	}
	if out == nil || out.Parameter == nil || out.Parameter.Value == nil {
		return "", errors.New("paramstore: parameter missing value")
	}
	return *out.Parameter.Value, nil
}

// EnvGetter serves parameters from environment variables for runs without
// SSM. "/recipe-assistant/config/model" under prefix "/recipe-assistant" is
// read from PARAM_CONFIG_MODEL.
type EnvGetter struct {
	Prefix string
	// Lookup defaults to os.LookupEnv.
	Lookup func(key string) (string, bool)
}

func (g EnvGetter) GetParameter(_ context.Context, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("paramstore: name is required")
	}
	key := EnvKey(g.Prefix, name)
	lookup := g.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	v, ok := lookup(key)
	if !ok || v == "" {
		return "", fmt.Errorf("%w: %q (env %s)", ErrNotFound, name, key)
	}
	return v, nil
}

// EnvKey maps a parameter name to the environment variable EnvGetter reads.
func EnvKey(prefix, name string) string {
	prefix = strings.TrimRight(strings.TrimSpace(prefix), "/")
	rest := strings.TrimPrefix(name, prefix)
	rest = strings.Trim(rest, "/")
	rest = strings.NewReplacer("/", "_", "-", "_", ".", "_").Replace(rest)
	return "PARAM_" + strings.ToUpper(rest)
}
