package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"stash/internal/backend"
	"stash/internal/core"

	"github.com/gabriel-vasile/mimetype"
	"github.com/goccy/go-json"
)

// getenv returns the value of the environment variable named by key or
// fallback if the variable is not present.
func getenv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

const (
	BucketName    = "example-bucket"
	Directory     = "notes"
	ObjectContent = "Hello from the stash example!\n"
)

// Client talks to a running gateway.
type Client struct {
	BaseURL   string
	AccessKey string
	SecretKey string
	HTTP      *http.Client
}

// do sends a request and decodes a JSON response into out. Error bodies are
// turned into Go errors carrying the gateway's error code.
func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var apiErr core.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err != nil {
			return fmt.Errorf("%s %s: %s", req.Method, req.URL.Path, resp.Status)
		}
		return fmt.Errorf("%s %s: %s: %s", req.Method, req.URL.Path, apiErr.Code, apiErr.Message)
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) postJSON(ctx context.Context, path string, in any, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(c.AccessKey, c.SecretKey)
	return c.do(req, out)
}

// Presign asks the gateway for an upload URL.
func (c *Client) Presign(ctx context.Context, bucket, directory string, content []byte) (*backend.PresignedUpload, error) {
	var presigned backend.PresignedUpload
	err := c.postJSON(ctx, "/api/presign/"+bucket+"/"+directory, backend.PresignRequest{
		ContentType:   mimetype.Detect(content).String(),
		ContentLength: int64(len(content)),
		ExpiresIn:     300,
	}, &presigned)
	return &presigned, err
}

// Upload sends content to a presigned URL with the headers it requires.
func (c *Client) Upload(ctx context.Context, presigned *backend.PresignedUpload, content []byte) (*backend.SaveResult, error) {
	req, err := http.NewRequestWithContext(ctx, presigned.UploadMethod, presigned.URL, bytes.NewReader(content))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", presigned.RequestHeaders.ContentType)

	var result backend.SaveResult
	return &result, c.do(req, &result)
}

func (c *Client) Meta(ctx context.Context, bucket, path, token string) (*backend.StoredObjectMeta, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/api/meta/"+bucket+"/"+path+"?token="+token, nil)
	if err != nil {
		return nil, err
	}

	var meta backend.StoredObjectMeta
	return &meta, c.do(req, &meta)
}

func (c *Client) Preview(ctx context.Context, bucket, path string, expiresIn time.Duration, headers map[string]string) (string, error) {
	var preview core.PreviewResponse
	err := c.postJSON(ctx, "/api/preview/"+bucket+"/"+path, core.PreviewRequest{
		ExpiresIn:       int64(expiresIn / time.Second),
		ResponseHeaders: headers,
	}, &preview)
	return preview.URL, err
}

// Download fetches a read URL into downloadPath.
func (c *Client) Download(ctx context.Context, readURL string, downloadPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, readURL, nil)
	if err != nil {
		return err
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download: %s", resp.Status)
	}

	f, err := os.Create(downloadPath)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := io.Copy(f, resp.Body); err != nil {
		return err
	}

	slog.Info("Downloaded object", "path", downloadPath, "content_disposition", resp.Header.Get("Content-Disposition"))
	return nil
}

func Run(ctx context.Context, c *Client) error {
	content := []byte(ObjectContent)

	// 1. Ask for permission to upload.
	presigned, err := c.Presign(ctx, BucketName, Directory, content)
	if err != nil {
		return fmt.Errorf("failed to presign upload: %w", err)
	}
	slog.Info("Presigned upload", "path", presigned.Path, "url", presigned.URL)

	// 2. Upload the bytes.
	saved, err := c.Upload(ctx, presigned, content)
	if err != nil {
		return fmt.Errorf("failed to upload: %w", err)
	}
	slog.Info("Uploaded object", "path", saved.Path, "hash", saved.Hash)

	// 3. Describe what landed.
	meta, err := c.Meta(ctx, BucketName, saved.Path, presigned.Token)
	if err != nil {
		return fmt.Errorf("failed to fetch metadata: %w", err)
	}
	slog.Info("Object metadata", "mimetype", meta.Mimetype, "size", meta.Size)

	// 4. Share it as a download.
	readURL, err := c.Preview(ctx, BucketName, saved.Path, 10*time.Minute, map[string]string{
		"Content-Disposition": `attachment; filename="example.txt"`,
	})
	if err != nil {
		return fmt.Errorf("failed to create preview url: %w", err)
	}
	slog.Info("Preview URL", "url", readURL)

	// 5. Fetch it back.
	downloadPath := filepath.Join(".", "downloaded_"+strings.ReplaceAll(saved.Path, "/", "_"))
	if err := c.Download(ctx, readURL, downloadPath); err != nil {
		return fmt.Errorf("failed to download file: %w", err)
	}

	return nil
}

func main() {
	c := &Client{
		BaseURL:   strings.TrimSuffix(getenv("STASH_URL", "http://localhost:8080"), "/"),
		AccessKey: getenv("STASH_ACCESS_KEY", "stashadmin"),
		SecretKey: getenv("STASH_SECRET_KEY", "stashadmin"),
		HTTP:      &http.Client{Timeout: 30 * time.Second},
	}

	if err := Run(context.Background(), c); err != nil {
		slog.Error("Example failed", "err", err)
		os.Exit(1)
	}
}
