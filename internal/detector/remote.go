package detector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// RemoteConfig points at an inference sidecar that hosts the face and object models.
type RemoteConfig struct {
	BaseURL     string
	Timeout     time.Duration
	JPEGQuality int
}

// RemoteClient talks JSON over HTTP to the inference sidecar.
//
//	GET  /healthz     -> {"ready": true, "models": [...]}
//	POST /v1/faces    -> {"faces": [...]}    (JPEG body)
//	POST /v1/objects  -> {"objects": [...]}  (JPEG body)
type RemoteClient struct {
	baseURL string
	quality int
	http    *http.Client
}

// NewRemoteClient creates a client for the sidecar.
func NewRemoteClient(cfg RemoteConfig) *RemoteClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.JPEGQuality <= 0 || cfg.JPEGQuality > 100 {
		cfg.JPEGQuality = 85
	}
	return &RemoteClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		quality: cfg.JPEGQuality,
		http:    &http.Client{Timeout: cfg.Timeout},
	}
}

type healthResponse struct {
	Ready  bool     `json:"ready"`
	Models []string `json:"models"`
}

// Load checks that the sidecar has its models loaded.
func (c *RemoteClient) Load(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return fmt.Errorf("build health request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("inference sidecar unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: sidecar health status %d", ErrNotReady, resp.StatusCode)
	}
	var health healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return fmt.Errorf("decode health response: %w", err)
	}
	if !health.Ready {
		return fmt.Errorf("%w: sidecar models not loaded", ErrNotReady)
	}
	log.Debug("Sidecar ready at %s (models: %s)", c.baseURL, strings.Join(health.Models, ","))
	return nil
}

func (c *RemoteClient) post(ctx context.Context, path string, query url.Values, img image.Image, out any) error {
	if img == nil {
		return fmt.Errorf("nil frame")
	}
	var body bytes.Buffer
	if err := jpeg.Encode(&body, img, &jpeg.Options{Quality: c.quality}); err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, &body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "image/jpeg")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusServiceUnavailable {
		return ErrNotReady
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("sidecar %s status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// RemoteFaceDetector implements FaceDetector over the sidecar.
type RemoteFaceDetector struct {
	*RemoteClient
}

type facesResponse struct {
	Faces []FaceDetection `json:"faces"`
}

// DetectFaces implements FaceDetector.
func (d RemoteFaceDetector) DetectFaces(ctx context.Context, img image.Image, opts FaceOptions) ([]FaceDetection, error) {
	q := url.Values{}
	q.Set("input_size", strconv.Itoa(opts.InputSize))
	q.Set("score_threshold", strconv.FormatFloat(opts.ScoreThreshold, 'f', -1, 64))
	q.Set("landmarks", strconv.FormatBool(opts.WithLandmarks))
	q.Set("descriptors", strconv.FormatBool(opts.WithDescriptors))

	var out facesResponse
	if err := d.post(ctx, "/v1/faces", q, img, &out); err != nil {
		return nil, err
	}
	return out.Faces, nil
}

// RemoteObjectDetector implements ObjectDetector over the sidecar.
type RemoteObjectDetector struct {
	*RemoteClient
}

type objectsResponse struct {
	Objects []ObjectDetection `json:"objects"`
}

// DetectObjects implements ObjectDetector.
func (d RemoteObjectDetector) DetectObjects(ctx context.Context, img image.Image) ([]ObjectDetection, error) {
	var out objectsResponse
	if err := d.post(ctx, "/v1/objects", nil, img, &out); err != nil {
		return nil, err
	}
	return out.Objects, nil
}

// NewRemote returns a face and an object detector sharing one sidecar client.
func NewRemote(cfg RemoteConfig) (RemoteFaceDetector, RemoteObjectDetector) {
	client := NewRemoteClient(cfg)
	return RemoteFaceDetector{client}, RemoteObjectDetector{client}
}
