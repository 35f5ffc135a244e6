package remote

import (
	"fmt"
	"strings"
)

// Provider names an S3-compatible service with known endpoint conventions.
type Provider string

const (
	ProviderAWS   Provider = "aws"
	ProviderMinIO Provider = "minio"
	ProviderR2    Provider = "r2"
)

// Default AWS S3 endpoints by region.
var awsEndpoints = map[string]string{
	"us-east-1":      "s3.amazonaws.com",
	"us-east-2":      "s3.us-east-2.amazonaws.com",
	"us-west-1":      "s3.us-west-1.amazonaws.com",
	"us-west-2":      "s3.us-west-2.amazonaws.com",
	"eu-west-1":      "s3.eu-west-1.amazonaws.com",
	"eu-west-2":      "s3.eu-west-2.amazonaws.com",
	"eu-central-1":   "s3.eu-central-1.amazonaws.com",
	"ap-northeast-1": "s3.ap-northeast-1.amazonaws.com",
	"ap-southeast-1": "s3.ap-southeast-1.amazonaws.com",
	"ap-southeast-2": "s3.ap-southeast-2.amazonaws.com",
	"ca-central-1":   "s3.ca-central-1.amazonaws.com",
}

// resolved is the endpoint configuration handed to the SDK.
type resolved struct {
	Endpoint  string // empty means the SDK default
	Region    string
	PathStyle bool
}

// resolveProvider fills endpoint, region and addressing style from the
// provider conventions. Explicit values in cfg win.
func resolveProvider(cfg S3Config) (resolved, error) {
	r := resolved{Endpoint: cfg.Endpoint, Region: cfg.Region, PathStyle: cfg.PathStyle}

	switch Provider(strings.ToLower(string(cfg.Provider))) {
	case "", ProviderAWS:
		if r.Region == "" {
			r.Region = "us-east-1"
		}
		if r.Endpoint == "" {
			if host, ok := awsEndpoints[r.Region]; ok {
				r.Endpoint = "https://" + host
			}
		}
	case ProviderMinIO:
		// MinIO ignores regions but the signer needs one, and it requires path-style URLs.
		if r.Endpoint == "" {
			r.Endpoint = "localhost:9000"
		}
		if !strings.HasPrefix(r.Endpoint, "http://") && !strings.HasPrefix(r.Endpoint, "https://") {
			if cfg.UseSSL {
				r.Endpoint = "https://" + r.Endpoint
			} else {
				r.Endpoint = "http://" + r.Endpoint
			}
		}
		r.Endpoint = strings.TrimSuffix(r.Endpoint, "/")
		if r.Region == "" {
			r.Region = "us-east-1"
		}
		r.PathStyle = true
	case ProviderR2:
		if r.Endpoint == "" {
			if !IsValidR2AccountID(cfg.AccountID) {
				return resolved{}, fmt.Errorf("r2 requires a 32 character hex account id")
			}
			r.Endpoint = fmt.Sprintf("https://%s.r2.cloudflarestorage.com", cfg.AccountID)
		}
		if r.Region == "" {
			r.Region = "auto"
		}
	default:
		return resolved{}, fmt.Errorf("unknown s3 provider %q", cfg.Provider)
	}
	return r, nil
}

// IsValidR2AccountID reports whether id looks like a Cloudflare account id.
func IsValidR2AccountID(id string) bool {
	if len(id) != 32 {
		return false
	}
	for _, c := range id {
		if !strings.ContainsRune("0123456789abcdefABCDEF", c) {
			return false
		}
	}
	return true
}
