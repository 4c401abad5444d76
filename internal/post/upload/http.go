package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"os"
	"time"

	"github.com/cjeanneret/fotobox/internal/config"
	"github.com/cjeanneret/fotobox/internal/debug"
)

type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// sharedClient has connection-level timeouts only; the overall deadline is
// the request context.
var sharedClient = &http.Client{
	Transport: &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          10,
		MaxIdleConnsPerHost:   2,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	},
}

type httpResponse struct {
	URL string `json:"url"`
	ID  string `json:"id"`
}

func (s *Service) uploadHTTP(ctx context.Context, uc config.UploadConfig, file string, meta Metadata) (string, error) {
	if uc.URL == "" {
		return "", fmt.Errorf("%w: upload.url is empty", ErrNotConfigured)
	}
	body, contentType, err := multipartBody(file, meta)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uc.URL, body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", contentType)
	authorize(req, uc.APIKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload request: %w", err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("upload: HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(data))
	}

	var r httpResponse
	if err := json.Unmarshal(data, &r); err != nil {
		debug.Verbose("upload: response is not JSON: %v", err)
		return "", nil
	}
	debug.Verbose("upload: server id=%q url=%q", r.ID, r.URL)
	return r.URL, nil
}

func (s *Service) checkHTTP(ctx context.Context, uc config.UploadConfig) error {
	if uc.URL == "" {
		return fmt.Errorf("%w: upload.url is empty", ErrNotConfigured)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uc.URL, nil)
	if err != nil {
		return err
	}
	authorize(req, uc.APIKey)
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	debug.Verbose("upload: %s answered HTTP %d", uc.URL, resp.StatusCode)
	return nil
}

func authorize(req *http.Request, key string) {
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
}

// multipartBody builds a form with the photo in "photo" and the metadata as
// JSON in "metadata".
func multipartBody(file string, meta Metadata) (*bytes.Buffer, string, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, "", err
	}
	defer f.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	name, _ := meta["filename"].(string)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="photo"; filename=%q`, name))
	h.Set("Content-Type", "image/jpeg")
	part, err := mw.CreatePart(h)
	if err != nil {
		return nil, "", err
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, "", err
	}

	js, err := json.Marshal(meta)
	if err != nil {
		return nil, "", err
	}
	if err := mw.WriteField("metadata", string(js)); err != nil {
		return nil, "", err
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return &buf, mw.FormDataContentType(), nil
}
