package utils

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/grafana/grafana-firebase-auth-go/pkg/tokenprovider"
	"golang.org/x/oauth2/google"
)

// ReadServiceAccountFile loads a service account key file as downloaded from
// the Google Cloud console.
func ReadServiceAccountFile(path string) (*tokenprovider.ServiceAccount, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read service account file: %w", err)
	}
	return ParseServiceAccount(data)
}

// ParseServiceAccount decodes a service account key file.
func ParseServiceAccount(data []byte) (*tokenprovider.ServiceAccount, error) {
	var f struct {
		Type string `json:"type"`
		tokenprovider.ServiceAccount
	}
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse service account file: %w", err)
	}
	if f.Type != "" && f.Type != "service_account" {
		return nil, fmt.Errorf("unsupported credentials type %q", f.Type)
	}
	if f.ClientEmail == "" || f.PrivateKey == "" {
		return nil, errors.New("service account file is missing client_email or private_key")
	}
	return &f.ServiceAccount, nil
}

// DefaultServiceAccount returns the service account of the application
// default credentials. Credentials without a key, such as those of the GCE
// metadata server, cannot sign assertions and are rejected.
func DefaultServiceAccount(ctx context.Context) (*tokenprovider.ServiceAccount, error) {
	defaultCredentials, err := google.FindDefaultCredentials(ctx, "https://www.googleapis.com/auth/cloud-platform")
	if err != nil {
		return nil, fmt.Errorf("failed to find default credentials: %w", err)
	}
	if len(defaultCredentials.JSON) == 0 {
		return nil, errors.New("default credentials do not carry a service account key")
	}
	sa, err := ParseServiceAccount(defaultCredentials.JSON)
	if err != nil {
		return nil, err
	}
	if sa.ProjectID == "" {
		sa.ProjectID = defaultCredentials.ProjectID
	}
	return sa, nil
}

// readPrivateKeyFromFile returns the PEM key stored in path, which is either
// a raw PEM file or a service account JSON file.
func readPrivateKeyFromFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read private key file: %w", err)
	}
	if strings.HasPrefix(strings.TrimSpace(string(data)), "-----BEGIN") {
		return string(data), nil
	}
	sa, err := ParseServiceAccount(data)
	if err != nil {
		return "", err
	}
	return sa.PrivateKey, nil
}

// ReadPrivateKey resolves a private key given inline or as a path prefixed
// with "@".
func ReadPrivateKey(value string) (string, error) {
	if path := strings.TrimPrefix(value, "@"); path != value {
		return readPrivateKeyFromFile(path)
	}
	return value, nil
}
