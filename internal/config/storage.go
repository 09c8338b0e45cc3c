package config

import (
	"fmt"
	"strings"
	"time"
)

// Storage provider kinds.
const (
	ProviderR2        = "r2"
	ProviderS3        = "s3"
	ProviderSpaces    = "spaces"
	ProviderWasabi    = "wasabi"
	ProviderBackblaze = "backblaze"
	ProviderCustom    = "custom"
)

func validProvider(p string) bool {
	switch p {
	case ProviderR2, ProviderS3, ProviderSpaces, ProviderWasabi, ProviderBackblaze, ProviderCustom:
		return true
	default:
		return false
	}
}

// StorageTarget is the immutable description of the object store a pipeline
// run offloads to.
type StorageTarget struct {
	Provider     string
	AccountID    string
	Region       string
	Endpoint     string
	AccessKey    string
	SecretKey    string
	Bucket       string
	PublicDomain string
	Timeout      time.Duration
}

// Target derives the StorageTarget from the storage section.
func (s Storage) Target() StorageTarget {
	return StorageTarget{
		Provider:     s.Provider,
		AccountID:    s.AccountID,
		Region:       s.Region,
		Endpoint:     s.Endpoint,
		AccessKey:    s.AccessKey,
		SecretKey:    s.SecretKey,
		Bucket:       s.BucketName,
		PublicDomain: s.PublicDomain,
		Timeout:      s.Timeout,
	}
}

// Identifier returns the account ID for R2 and the region for every other
// provider.
func (t StorageTarget) Identifier() string {
	if t.Provider == ProviderR2 {
		return t.AccountID
	}
	return t.Region
}

// SigningRegion returns the region used in the SigV4 credential scope.
func (t StorageTarget) SigningRegion() string {
	if t.Provider == ProviderR2 {
		return "auto"
	}
	if t.Region == "" {
		return "us-east-1"
	}
	return t.Region
}

// ResolveEndpoint returns the base URL of the S3 API. A configured endpoint
// always wins over the provider convention.
func (t StorageTarget) ResolveEndpoint() (string, error) {
	if t.Endpoint != "" {
		endpoint := t.Endpoint
		if !strings.Contains(endpoint, "://") {
			endpoint = "https://" + endpoint
		}
		return strings.TrimRight(endpoint, "/"), nil
	}

	switch t.Provider {
	case ProviderR2:
		if t.AccountID == "" {
			return "", fmt.Errorf("r2 endpoint: account id is empty")
		}
		return fmt.Sprintf("https://%s.r2.cloudflarestorage.com", t.AccountID), nil
	case ProviderS3:
		return fmt.Sprintf("https://s3.%s.amazonaws.com", t.SigningRegion()), nil
	case ProviderSpaces:
		return fmt.Sprintf("https://%s.digitaloceanspaces.com", t.Region), nil
	case ProviderWasabi:
		return fmt.Sprintf("https://s3.%s.wasabisys.com", t.Region), nil
	case ProviderBackblaze:
		return fmt.Sprintf("https://s3.%s.backblazeb2.com", t.Region), nil
	default:
		return "", fmt.Errorf("provider %q requires an explicit endpoint", t.Provider)
	}
}

// PublicURL joins the public domain and an object key.
func (t StorageTarget) PublicURL(key string) string {
	return strings.TrimRight(t.PublicDomain, "/") + "/" + strings.TrimLeft(key, "/")
}
