package av

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/PaulBabatuyi/attachvault/internal/ingest"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

const verdictCacheSize = 4096

// ErrAnalysisPending means the upload was accepted but no verdict arrived
// within the poll budget.
var ErrAnalysisPending = errors.New("reputation analysis still pending")

type ReputationConfig struct {
	BaseURL      string
	APIKey       string
	PollAttempts int
	PollInterval time.Duration
	RatePerMin   int
	HTTPClient   *http.Client
}

// Reputation looks content up by SHA-256 and uploads unknown files for
// analysis, following the VirusTotal v3 file API.
type Reputation struct {
	cfg     ReputationConfig
	client  *http.Client
	limiter *rate.Limiter
	cache   *lru.Cache[string, []string]
}

func NewReputation(cfg ReputationConfig) (*Reputation, error) {
	if cfg.BaseURL == "" || cfg.APIKey == "" {
		return nil, errors.New("reputation client needs a base URL and an API key")
	}
	if cfg.PollAttempts <= 0 {
		cfg.PollAttempts = 3
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.RatePerMin <= 0 {
		cfg.RatePerMin = 4
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	cache, err := lru.New[string, []string](verdictCacheSize)
	if err != nil {
		return nil, err
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Reputation{
		cfg:     cfg,
		client:  client,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RatePerMin)), 1),
		cache:   cache,
	}, nil
}

func (r *Reputation) Name() string { return "reputation" }

type analysisResult struct {
	Category string `json:"category"`
	Result   string `json:"result"`
}

type fileReport struct {
	Data struct {
		ID         string `json:"id"`
		Attributes struct {
			Status              string                    `json:"status"`
			LastAnalysisResults map[string]analysisResult `json:"last_analysis_results"`
			Results             map[string]analysisResult `json:"results"`
		} `json:"attributes"`
	} `json:"data"`
}

// Scan checks the hash first and only uploads on a miss.
func (r *Reputation) Scan(ctx context.Context, filename string, data []byte) ([]string, error) {
	hash := ingest.Fingerprint(data)
	if threats, ok := r.cache.Get(hash); ok {
		return threats, nil
	}

	var report fileReport
	status, err := r.do(ctx, http.MethodGet, "/files/"+hash, nil, "", &report)
	if err != nil {
		return nil, err
	}
	if status == http.StatusOK {
		threats := detections(report.Data.Attributes.LastAnalysisResults)
		r.cache.Add(hash, threats)
		return threats, nil
	}

	analysisID, err := r.upload(ctx, filename, data)
	if err != nil {
		return nil, err
	}
	for attempt := 0; attempt < r.cfg.PollAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(r.cfg.PollInterval):
		}

		var analysis fileReport
		if _, err := r.do(ctx, http.MethodGet, "/analyses/"+analysisID, nil, "", &analysis); err != nil {
			return nil, err
		}
		if analysis.Data.Attributes.Status == "completed" {
			threats := detections(analysis.Data.Attributes.Results)
			r.cache.Add(hash, threats)
			return threats, nil
		}
	}
	return nil, ErrAnalysisPending
}

func (r *Reputation) upload(ctx context.Context, filename string, data []byte) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return "", err
	}
	if _, err := part.Write(data); err != nil {
		return "", err
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	var resp fileReport
	status, err := r.do(ctx, http.MethodPost, "/files", &body, mw.FormDataContentType(), &resp)
	if err != nil {
		return "", err
	}
	if status != http.StatusOK || resp.Data.ID == "" {
		return "", fmt.Errorf("upload rejected with status %d", status)
	}
	return resp.Data.ID, nil
}

// do sends one rate-limited request. A 404 is returned as a status, not an error.
// The limiter fails at once when its wait would outlast ctx's deadline.
func (r *Reputation) do(ctx context.Context, method, path string, body io.Reader, contentType string, out any) (int, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, method, r.cfg.BaseURL+path, body)
	if err != nil {
		return 0, err
	}
	req.Header.Set("x-apikey", r.cfg.APIKey)
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return resp.StatusCode, nil
	case resp.StatusCode != http.StatusOK:
		return resp.StatusCode, fmt.Errorf("%s %s: unexpected status %d", method, path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("decode %s response: %w", path, err)
	}
	return resp.StatusCode, nil
}

// detections lists engine verdicts flagged malicious, as "engine: name".
func detections(results map[string]analysisResult) []string {
	var out []string
	for engine, res := range results {
		if res.Category != "malicious" {
			continue
		}
		name := res.Result
		if name == "" {
			name = "malicious"
		}
		out = append(out, engine+": "+name)
	}
	sort.Strings(out)
	return out
}
