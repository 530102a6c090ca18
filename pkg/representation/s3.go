package representation

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7"
	miniocreds "github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/Prometheus-X-association/dataspace-connector-sub000/pkg/models"
)

// newS3Client builds a minio client for the credential's endpoint. Used
// through a package variable so tests can substitute a fake.
var newS3Client = func(cred *models.S3Credential) (s3Client, error) {
	endpoint := cred.Endpoint
	if endpoint == "" {
		if cred.Region != "" {
			endpoint = fmt.Sprintf("s3.%s.amazonaws.com", cred.Region)
		} else {
			endpoint = "s3.amazonaws.com"
		}
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  miniocreds.NewStaticV4(cred.AccessKey, cred.SecretKey, ""),
		Secure: cred.UseSSL,
		Region: cred.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("s3: create client: %w", err)
	}
	return &minioClient{client: client}, nil
}

type s3Client interface {
	GetObject(ctx context.Context, bucket, key string) (body []byte, etag, contentType string, err error)
	PutObject(ctx context.Context, bucket, key string, body []byte, contentType string) (etag string, err error)
}

type minioClient struct {
	client *minio.Client
}

func (m *minioClient) GetObject(ctx context.Context, bucket, key string) ([]byte, string, string, error) {
	obj, err := m.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, "", "", err
	}
	defer obj.Close()
	body, err := io.ReadAll(obj)
	if err != nil {
		return nil, "", "", err
	}
	info, err := obj.Stat()
	if err != nil {
		return nil, "", "", err
	}
	return body, info.ETag, info.ContentType, nil
}

func (m *minioClient) PutObject(ctx context.Context, bucket, key string, body []byte, contentType string) (string, error) {
	info, err := m.client.PutObject(ctx, bucket, key, bytes.NewReader(body), int64(len(body)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", err
	}
	return info.ETag, nil
}

// fetchS3 switches the transfer to object-store transport. The bucket and
// key come from the URL path (first segment is the bucket unless the
// credential pins one); the result is normalized into the same Response
// shape as the REST transport. Any non-GET verb maps to PutObject.
func (f *Fetcher) fetchS3(ctx context.Context, method, endpoint string, cred *models.S3Credential, body []byte, contentType string) (Response, error) {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return Response{}, fmt.Errorf("s3: parse %q: %w", endpoint, err)
	}
	bucket, key, err := s3Target(parsed, cred)
	if err != nil {
		return Response{}, err
	}
	client, err := newS3Client(cred)
	if err != nil {
		return Response{}, err
	}

	resp := Response{Status: http.StatusOK, ResolvedURL: parsed.String()}
	if method == http.MethodGet {
		objBody, etag, objType, err := client.GetObject(ctx, bucket, key)
		if err != nil {
			return Response{}, fmt.Errorf("s3: get %s/%s: %w", bucket, key, err)
		}
		resp.Body = objBody
		resp.ETag = etag
		resp.ContentType = objType
	} else {
		if contentType == "" {
			contentType = defaultContentType
		}
		etag, err := client.PutObject(ctx, bucket, key, body, contentType)
		if err != nil {
			return Response{}, fmt.Errorf("s3: put %s/%s: %w", bucket, key, err)
		}
		resp.ETag = etag
		resp.ContentType = contentType
	}
	headers := http.Header{}
	if resp.ETag != "" {
		headers.Set("Etag", resp.ETag)
	}
	if resp.ContentType != "" {
		headers.Set("Content-Type", resp.ContentType)
	}
	resp.Headers = headers
	return resp, nil
}

func s3Target(parsed *url.URL, cred *models.S3Credential) (bucket, key string, err error) {
	path := strings.Trim(parsed.Path, "/")
	if path == "" {
		return "", "", fmt.Errorf("s3: url %q carries no object path", parsed.String())
	}
	if cred.Bucket != "" {
		return cred.Bucket, path, nil
	}
	parts := strings.SplitN(path, "/", 2)
	if len(parts) < 2 {
		return "", "", fmt.Errorf("s3: url path %q must be bucket/key", path)
	}
	return parts[0], parts[1], nil
}
