package service

import (
	"context"
	"fmt"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/sxxxxxxxxxxxxxxxxxxxxx/imagine-engine-sub002/internal/config"
)

// SecretManagerService stores per-user upstream keys.
type SecretManagerService interface {
	StoreUserAPIKey(ctx context.Context, userID, provider, apiKey string) error
	// GetUserAPIKey returns "" when the user has no key for provider.
	GetUserAPIKey(ctx context.Context, userID, provider string) (string, error)
	DeleteUserAPIKey(ctx context.Context, userID, provider string) error
}

type secretManagerService struct {
	client    *secretmanager.Client
	projectID string
}

func NewSecretManagerService(ctx context.Context, cfg *config.Config, opts ...option.ClientOption) (SecretManagerService, error) {
	projectID := cfg.GetGCPProjectID()
	if projectID == "" {
		return nil, fmt.Errorf("GCP Project ID is not set for the current environment")
	}
	client, err := secretmanager.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Secret Manager client: %w", err)
	}
	return &secretManagerService{client: client, projectID: projectID}, nil
}

func userSecretName(userID, provider string) string {
	return fmt.Sprintf("imagine-user-%s-%s-key", userID, provider)
}

func (s *secretManagerService) secretPath(userID, provider string) string {
	return fmt.Sprintf("projects/%s/secrets/%s", s.projectID, userSecretName(userID, provider))
}

func (s *secretManagerService) StoreUserAPIKey(ctx context.Context, userID, provider, apiKey string) error {
	path := s.secretPath(userID, provider)

	_, err := s.client.GetSecret(ctx, &secretmanagerpb.GetSecretRequest{Name: path})
	if status.Code(err) == codes.NotFound {
		_, err = s.client.CreateSecret(ctx, &secretmanagerpb.CreateSecretRequest{
			Parent:   "projects/" + s.projectID,
			SecretId: userSecretName(userID, provider),
			Secret: &secretmanagerpb.Secret{
				Replication: &secretmanagerpb.Replication{
					Replication: &secretmanagerpb.Replication_Automatic_{
						Automatic: &secretmanagerpb.Replication_Automatic{},
					},
				},
				Labels: map[string]string{"provider": provider},
			},
		})
		if err != nil {
			return fmt.Errorf("failed to create secret for user %s: %w", userID, err)
		}
	} else if err != nil {
		return fmt.Errorf("failed to look up secret for user %s: %w", userID, err)
	}

	_, err = s.client.AddSecretVersion(ctx, &secretmanagerpb.AddSecretVersionRequest{
		Parent:  path,
		Payload: &secretmanagerpb.SecretPayload{Data: []byte(apiKey)},
	})
	if err != nil {
		return fmt.Errorf("failed to add secret version for user %s: %w", userID, err)
	}
	return nil
}

func (s *secretManagerService) GetUserAPIKey(ctx context.Context, userID, provider string) (string, error) {
	result, err := s.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
		Name: s.secretPath(userID, provider) + "/versions/latest",
	})
	if status.Code(err) == codes.NotFound {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to access secret for user %s: %w", userID, err)
	}
	return string(result.Payload.Data), nil
}

func (s *secretManagerService) DeleteUserAPIKey(ctx context.Context, userID, provider string) error {
	err := s.client.DeleteSecret(ctx, &secretmanagerpb.DeleteSecretRequest{Name: s.secretPath(userID, provider)})
	if err != nil && status.Code(err) != codes.NotFound {
		return fmt.Errorf("failed to delete secret for user %s: %w", userID, err)
	}
	return nil
}
