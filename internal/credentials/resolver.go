// Package credentials resolves the secrets a freshly created backend needs:
// the managed database connection and keys, plus static storage credentials.
package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/smithy-go"

	"shipline/internal/apperr"
	"shipline/internal/config"
	"shipline/internal/domain"
)

const resourceNotFoundException = "ResourceNotFoundException"

// SecretSource is the slice of the Secrets Manager API the resolver uses.
type SecretSource interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// DatabaseStore finds the managed database registered for a project.
type DatabaseStore interface {
	GetManagedDatabase(ctx context.Context, projectID string) (domain.ManagedDatabase, error)
}

type Resolver struct {
	Store    DatabaseStore
	Secrets  SecretSource
	Database config.ManagedDatabaseConfig
	Storage  config.StorageConfig
	Logger   *slog.Logger
}

// NewSecretsManager builds a client from the default AWS credential chain.
func NewSecretsManager(ctx context.Context, region string) (*secretsmanager.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return secretsmanager.NewFromConfig(cfg), nil
}

type databaseSecret struct {
	DBPassword     string `json:"db_password"`
	AnonKey        string `json:"anon_key"`
	ServiceRoleKey string `json:"service_role_key"`
}

// Resolve returns the credentials of a project. It performs no writes.
func (r *Resolver) Resolve(ctx context.Context, projectID string) (domain.Credentials, error) {
	if strings.TrimSpace(projectID) == "" {
		return domain.Credentials{}, apperr.BadRequest("project_id is required")
	}
	db, err := r.Store.GetManagedDatabase(ctx, projectID)
	if err != nil {
		return domain.Credentials{}, err
	}
	name := db.SecretName
	if name == "" {
		name = strings.TrimRight(r.Database.SecretPrefix, "/") + "/" + projectID
	}
	secret, err := r.fetch(ctx, name)
	if err != nil {
		return domain.Credentials{}, err
	}

	suffix := r.Database.HostSuffix
	if suffix == "" {
		suffix = "supabase.co"
	}
	apiURL := db.APIURL
	if apiURL == "" {
		apiURL = fmt.Sprintf("https://%s.%s", db.Ref, suffix)
	}
	return domain.Credentials{
		DatabaseURL:    connectionString(secret.DBPassword, db.Ref, suffix),
		APIURL:         apiURL,
		AnonKey:        secret.AnonKey,
		ServiceRoleKey: secret.ServiceRoleKey,
		Storage: domain.StorageCredentials{
			AccessKey: r.Storage.AccessKey,
			SecretKey: r.Storage.SecretKey,
			Region:    r.Storage.Region,
			Bucket:    r.Storage.Bucket,
		},
	}, nil
}

// connectionString escapes the password as URI userinfo.
func connectionString(password, ref, suffix string) string {
	u := url.URL{
		Scheme: "postgresql",
		User:   url.UserPassword("postgres", password),
		Host:   fmt.Sprintf("db.%s.%s:5432", ref, suffix),
		Path:   "/postgres",
	}
	return u.String()
}

func (r *Resolver) fetch(ctx context.Context, name string) (databaseSecret, error) {
	r.logger().InfoContext(ctx, "retrieving secret", "secret_name", name)
	out, err := r.Secrets.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: aws.String(name)})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == resourceNotFoundException {
			return databaseSecret{}, apperr.NotFound("secret %s", name)
		}
		r.logger().ErrorContext(ctx, "failed to retrieve secret", "secret_name", name, "error", err)
		return databaseSecret{}, fmt.Errorf("%w: get secret %s: %v", apperr.ErrUpstream, name, err)
	}
	var raw []byte
	switch {
	case out.SecretString != nil:
		raw = []byte(*out.SecretString)
	case out.SecretBinary != nil:
		raw = out.SecretBinary
	default:
		return databaseSecret{}, apperr.Upstream("secret %s has no value", name)
	}
	var s databaseSecret
	if err := json.Unmarshal(raw, &s); err != nil {
		return databaseSecret{}, apperr.Upstream("secret %s is not valid json", name)
	}
	var missing []string
	for _, f := range []struct{ name, value string }{
		{"db_password", s.DBPassword},
		{"anon_key", s.AnonKey},
		{"service_role_key", s.ServiceRoleKey},
	} {
		if f.value == "" {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return databaseSecret{}, apperr.Upstream("secret %s is missing %s", name, strings.Join(missing, ", "))
	}
	return s, nil
}

func (r *Resolver) logger() *slog.Logger {
	if r.Logger == nil {
		return slog.Default()
	}
	return r.Logger
}
