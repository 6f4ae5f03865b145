package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"

	"github.com/jstaube/pgrig/pkg/dberr"
)

// SecretRef identifies a configuration value from one of several sources.
// Exactly one of AwsSecretArn, InsecureValue, or EnvVar must be set, or
// Prompt alone. Prompt may additionally accompany EnvVar as the fallback used
// when the variable is unset.
type SecretRef struct {
	// AwsSecretArn is the ARN of an AWS Secrets Manager secret.
	// Key must also be set to extract a specific field from the JSON secret.
	AwsSecretArn string `json:"aws_secret_arn,omitempty"`
	Key          string `json:"key,omitempty"`

	// InsecureValue is a plaintext value. Use only for development and for
	// explicit overrides that outrank every other source.
	InsecureValue string `json:"insecure_value,omitempty"`

	// EnvVar is the name of an environment variable containing the value.
	EnvVar string `json:"env_var,omitempty"`

	// Prompt asks the user interactively. Standalone, or the fallback for
	// an unset EnvVar.
	Prompt *PromptSpec `json:"prompt,omitempty"`
}

// PromptSpec describes an interactive prompt. Secret values are read with
// terminal echo disabled. An empty answer resolves to Default.
type PromptSpec struct {
	Label   string `json:"label"`
	Default string `json:"default,omitempty"`
	Secret  bool   `json:"secret,omitempty"`
}

// Value is shorthand for a static override ref.
func Value(v string) SecretRef {
	return SecretRef{InsecureValue: v}
}

// Validate checks that the ref names a coherent source combination.
func (r SecretRef) Validate() error {
	sources := 0
	if r.AwsSecretArn != "" {
		sources++
	}
	if r.InsecureValue != "" {
		sources++
	}
	if r.EnvVar != "" {
		sources++
	}

	if sources == 0 && r.Prompt == nil {
		return errors.New("secret ref must have one of: aws_secret_arn, insecure_value, env_var, or prompt")
	}
	if sources > 1 {
		return errors.New("secret ref must have only one of: aws_secret_arn, insecure_value, or env_var")
	}
	if r.Prompt != nil && sources > 0 && r.EnvVar == "" {
		return errors.New("prompt may only stand alone or back an env_var")
	}
	if r.AwsSecretArn != "" && r.Key == "" {
		return errors.New("aws_secret_arn requires key to be set")
	}
	if r.Prompt != nil && r.Prompt.Label == "" {
		return errors.New("prompt requires a label")
	}
	return nil
}

// SecretsManagerClient is the interface for AWS Secrets Manager operations.
// This allows injecting a mock for testing.
type SecretsManagerClient interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// Resolver resolves SecretRefs and caches each named parameter for its own
// lifetime. A parameter resolves at most once per Resolver; prompts are never
// re-asked and fetched secrets are never re-fetched. There is no
// invalidation: build a new Resolver for a fresh view.
type Resolver struct {
	mu       sync.RWMutex
	values   map[string]string
	secrets  map[string]map[string]any
	client   SecretsManagerClient
	prompter Prompter
}

// NewResolver creates a Resolver with the given AWS client and prompter.
// Either may be nil; refs needing the missing capability fail to resolve.
func NewResolver(client SecretsManagerClient, prompter Prompter) *Resolver {
	return &Resolver{
		values:   make(map[string]string),
		secrets:  make(map[string]map[string]any),
		client:   client,
		prompter: prompter,
	}
}

// NewEnvResolver creates a Resolver using AWS config from the environment and
// an interactive terminal prompter.
func NewEnvResolver(ctx context.Context) (*Resolver, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewResolver(secretsmanager.NewFromConfig(cfg), &TerminalPrompter{}), nil
}

// Resolve returns the value for the named parameter. The first resolution per
// name wins and is cached; later calls return it without consulting the
// sources again.
func (r *Resolver) Resolve(ctx context.Context, name string, ref SecretRef) (string, error) {
	if err := ref.Validate(); err != nil {
		return "", dberr.Wrap(dberr.KindConfiguration, name, err)
	}

	r.mu.RLock()
	v, ok := r.values[name]
	r.mu.RUnlock()
	if ok {
		return v, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if v, ok := r.values[name]; ok {
		return v, nil
	}

	v, err := r.resolveLocked(ctx, ref)
	if err != nil {
		return "", dberr.Wrap(dberr.KindConfiguration, name, err)
	}
	r.values[name] = v
	return v, nil
}

func (r *Resolver) resolveLocked(ctx context.Context, ref SecretRef) (string, error) {
	if ref.InsecureValue != "" {
		return ref.InsecureValue, nil
	}

	if ref.EnvVar != "" {
		if v, ok := os.LookupEnv(ref.EnvVar); ok {
			return v, nil
		}
		if ref.Prompt == nil {
			return "", fmt.Errorf("environment variable %q not set", ref.EnvVar)
		}
		return r.promptLocked(*ref.Prompt)
	}

	if ref.AwsSecretArn != "" {
		data, ok := r.secrets[ref.AwsSecretArn]
		if !ok {
			var err error
			data, err = r.fetchSecret(ctx, ref.AwsSecretArn)
			if err != nil {
				return "", err
			}
			r.secrets[ref.AwsSecretArn] = data
		}
		return extractStringKey(data, ref.Key)
	}

	return r.promptLocked(*ref.Prompt)
}

func (r *Resolver) promptLocked(spec PromptSpec) (string, error) {
	if r.prompter == nil {
		return "", fmt.Errorf("value for %q must be prompted but no prompter is configured", spec.Label)
	}
	v, err := r.prompter.Prompt(spec)
	if err != nil {
		return "", fmt.Errorf("prompt %q: %w", spec.Label, err)
	}
	if v == "" {
		v = spec.Default
	}
	return v, nil
}

func (r *Resolver) fetchSecret(ctx context.Context, arn string) (map[string]any, error) {
	if r.client == nil {
		return nil, fmt.Errorf("secret %s requires an AWS client but none is configured", arn)
	}
	output, err := r.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: &arn,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get secret %s: %w", arn, err)
	}
	if output.SecretString == nil {
		return nil, fmt.Errorf("secret %s has no string value", arn)
	}

	var data map[string]any
	if err := json.Unmarshal([]byte(*output.SecretString), &data); err != nil {
		return nil, fmt.Errorf("failed to parse secret %s as JSON: %w", arn, err)
	}
	return data, nil
}

func extractStringKey(data map[string]any, key string) (string, error) {
	val, ok := data[key]
	if !ok {
		return "", fmt.Errorf("key %q not found in secret", key)
	}
	str, ok := val.(string)
	if !ok {
		return "", fmt.Errorf("value at key %q is not a string (got %T)", key, val)
	}
	return str, nil
}
