package remote

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"

	aws "github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/kimhsiao/fairway/internal/models"
	"github.com/kimhsiao/fairway/internal/sync/queue"
)

// S3Config holds S3 remote construction parameters.
type S3Config struct {
	Provider        Provider `mapstructure:"provider" json:"provider"`
	Bucket          string   `mapstructure:"bucket" json:"bucket"`
	Prefix          string   `mapstructure:"prefix" json:"prefix"`
	Region          string   `mapstructure:"region" json:"region"`
	Endpoint        string   `mapstructure:"endpoint" json:"endpoint"`
	AccountID       string   `mapstructure:"account_id" json:"accountId"` // R2 only
	AccessKeyID     string   `mapstructure:"access_key_id" json:"-"`      // optional, falls back to the default chain
	SecretAccessKey string   `mapstructure:"secret_access_key" json:"-"`
	SessionToken    string   `mapstructure:"session_token" json:"-"`
	UseSSL          bool     `mapstructure:"use_ssl" json:"useSSL"` // MinIO only
	PathStyle       bool     `mapstructure:"path_style" json:"pathStyle"`
}

// S3 stores each remote entity as one JSON object at
// <prefix>/<collection>/<id>.json in a single bucket.
type S3 struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3 creates an S3 remote from cfg.
func NewS3(ctx context.Context, cfg S3Config) (*S3, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket required")
	}
	r, err := resolveProvider(cfg)
	if err != nil {
		return nil, err
	}

	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(r.Region)}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken)))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	thirdParty := cfg.Provider != "" && cfg.Provider != ProviderAWS
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = r.PathStyle
		if r.Endpoint != "" {
			o.BaseEndpoint = aws.String(r.Endpoint)
		}
		if thirdParty {
			// MinIO and R2 reject the streaming checksum trailers newer SDKs send by default.
			o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		}
	})
	return newS3WithClient(client, cfg.Bucket, cfg.Prefix), nil
}

func newS3WithClient(client *s3.Client, bucket, prefix string) *S3 {
	return &S3{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

// Push implements the remote endpoint.
func (s *S3) Push(ctx context.Context, collection string, m queue.Mutation) error {
	switch mt := m.(type) {
	case queue.AddMutation:
		e := stripLocal(mt.Entity)
		existing, err := s.get(ctx, s.key(collection, e.ID()))
		if err != nil {
			return err
		}
		if existing != nil {
			if existing.ContentEqual(e) {
				return nil
			}
			return fmt.Errorf("%s/%s already exists", collection, e.ID())
		}
		return s.put(ctx, collection, e)
	case queue.PutMutation:
		return s.put(ctx, collection, stripLocal(mt.Entity))
	case queue.DeleteMutation:
		key := s.key(collection, mt.ID)
		if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: &s.bucket, Key: &key}); err != nil {
			return fmt.Errorf("delete %s: %w", key, err)
		}
		return nil
	default:
		return fmt.Errorf("unsupported mutation %T", m)
	}
}

// Pull lists the collection prefix and fetches every object. Objects removed
// between the listing and the fetch are skipped.
func (s *S3) Pull(ctx context.Context, collection string) ([]models.Entity, error) {
	prefix := s.collectionPrefix(collection)
	var keys []string
	var token *string
	for {
		out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{Bucket: &s.bucket, Prefix: &prefix, ContinuationToken: token})
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, err)
		}
		for _, obj := range out.Contents {
			key := aws.ToString(obj.Key)
			// Skip nested prefixes and foreign objects.
			rest := strings.TrimPrefix(key, prefix)
			if strings.Contains(rest, "/") || !strings.HasSuffix(rest, ".json") {
				continue
			}
			keys = append(keys, key)
		}
		if aws.ToBool(out.IsTruncated) && out.NextContinuationToken != nil {
			token = out.NextContinuationToken
			continue
		}
		break
	}
	sort.Strings(keys)

	entities := make([]models.Entity, 0, len(keys))
	for _, key := range keys {
		e, err := s.get(ctx, key)
		if err != nil {
			return nil, err
		}
		if e != nil {
			entities = append(entities, e)
		}
	}
	return entities, nil
}

func (s *S3) put(ctx context.Context, collection string, e models.Entity) error {
	body, err := e.CanonicalJSON()
	if err != nil {
		return err
	}
	key := s.key(collection, e.ID())
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &s.bucket,
		Key:         &key,
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// get fetches one object. It returns nil without error when the key is absent.
func (s *S3) get(ctx context.Context, key string) (models.Entity, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: &s.bucket, Key: &key})
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	e, err := models.EntityFromJSON(data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return e, nil
}

func (s *S3) collectionPrefix(collection string) string {
	if s.prefix == "" {
		return collection + "/"
	}
	return s.prefix + "/" + collection + "/"
}

func (s *S3) key(collection, id string) string {
	return s.collectionPrefix(collection) + url.PathEscape(id) + ".json"
}

func isNotFound(err error) bool {
	var re *awshttp.ResponseError
	return stderrors.As(err, &re) && re.HTTPStatusCode() == http.StatusNotFound
}
