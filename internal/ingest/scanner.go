package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/PaulBabatuyi/attachvault/internal/models"
	"github.com/PaulBabatuyi/attachvault/internal/observability"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

const (
	DefaultEntropyThreshold = 7.5
	DefaultMaxExternalRefs  = 10
	DefaultExternalTimeout  = 20 * time.Second
)

// Target is a validated file handed to the scanner.
type Target struct {
	Name     string
	MimeType string
	Data     []byte
}

// ExternalScanner is an optional antivirus service. Errors are logged and
// ignored by the scanner; a verdict is only ever a list of threat names.
type ExternalScanner interface {
	Name() string
	Scan(ctx context.Context, filename string, data []byte) ([]string, error)
}

type ScanConfig struct {
	EntropyThreshold   float64
	MaxExternalRefs    int
	MaxConcurrentScans int64

	// ExternalTimeout bounds each external scanner call per file.
	ExternalTimeout time.Duration
}

// Scanner runs the threat passes over each file.
type Scanner struct {
	cfg      ScanConfig
	external []ExternalScanner
	sem      *semaphore.Weighted
	logger   *zap.Logger
}

func NewScanner(cfg ScanConfig, logger *zap.Logger, external ...ExternalScanner) *Scanner {
	if cfg.EntropyThreshold <= 0 {
		cfg.EntropyThreshold = DefaultEntropyThreshold
	}
	if cfg.MaxExternalRefs <= 0 {
		cfg.MaxExternalRefs = DefaultMaxExternalRefs
	}
	if cfg.MaxConcurrentScans <= 0 {
		cfg.MaxConcurrentScans = 4
	}
	if cfg.ExternalTimeout <= 0 {
		cfg.ExternalTimeout = DefaultExternalTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scanner{
		cfg:      cfg,
		external: external,
		sem:      semaphore.NewWeighted(cfg.MaxConcurrentScans),
		logger:   logger.With(zap.String("component", "scanner")),
	}
}

type pass struct {
	name string
	run  func(t Target) []string
}

func (s *Scanner) passes() []pass {
	return []pass{
		{"signature", signatureScan},
		{"heuristic", func(t Target) []string { return heuristicScan(t, s.cfg.EntropyThreshold) }},
		{"structure", func(t Target) []string { return structureScan(t, s.cfg.MaxExternalRefs) }},
		{"integrity", integrityScan},
	}
}

// Scan runs every pass concurrently and returns the de-duplicated union of
// their findings in pass order. An empty result means the file is clean.
func (s *Scanner) Scan(ctx context.Context, t Target) ([]string, error) {
	passes := s.passes()
	results := make([][]string, len(passes)+1)

	g, gctx := errgroup.WithContext(ctx)
	for i, p := range passes {
		g.Go(func() error {
			results[i] = p.run(t)
			if n := len(results[i]); n > 0 {
				observability.ThreatsDetected.WithLabelValues(p.name).Add(float64(n))
			}
			return nil
		})
	}
	if len(s.external) > 0 {
		g.Go(func() error {
			results[len(passes)] = s.externalScan(gctx, t)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var threats []string
	for _, r := range results {
		for _, threat := range r {
			if !seen[threat] {
				seen[threat] = true
				threats = append(threats, threat)
			}
		}
	}
	return threats, nil
}

// ScanBatch scans every file, at most MaxConcurrentScans at a time across all
// callers, and reports only the files that were flagged.
func (s *Scanner) ScanBatch(ctx context.Context, targets []Target) ([]models.FileThreats, error) {
	results := make([][]string, len(targets))

	g, gctx := errgroup.WithContext(ctx)
	for i, t := range targets {
		g.Go(func() error {
			if err := s.sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer s.sem.Release(1)

			threats, err := s.Scan(gctx, t)
			if err != nil {
				return err
			}
			results[i] = threats
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var flagged []models.FileThreats
	for i, threats := range results {
		if len(threats) == 0 {
			continue
		}
		s.logger.Warn("file flagged by scan",
			zap.String("filename", targets[i].Name),
			zap.Strings("threats", threats),
		)
		flagged = append(flagged, models.FileThreats{Filename: targets[i].Name, Threats: threats})
	}
	return flagged, nil
}

// externalScan consults each configured AV service, each within
// ExternalTimeout. Failures and timeouts never block ingestion.
func (s *Scanner) externalScan(ctx context.Context, t Target) []string {
	var out []string
	for _, av := range s.external {
		avCtx, cancel := context.WithTimeout(ctx, s.cfg.ExternalTimeout)
		threats, err := av.Scan(avCtx, t.Name, t.Data)
		cancel()
		if err != nil {
			observability.AVFailures.WithLabelValues(av.Name()).Inc()
			s.logger.Warn("external scan failed, continuing without it",
				zap.String("scanner", av.Name()),
				zap.String("filename", t.Name),
				zap.Error(err),
			)
			continue
		}
		for _, name := range threats {
			out = append(out, fmt.Sprintf("av(%s): %s", av.Name(), name))
		}
	}
	if len(out) > 0 {
		observability.ThreatsDetected.WithLabelValues("external").Add(float64(len(out)))
	}
	return out
}
