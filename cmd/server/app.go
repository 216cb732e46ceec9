package main

import (
	"errors"
	"fmt"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/PaulBabatuyi/attachvault/internal/config"
	"github.com/PaulBabatuyi/attachvault/internal/database"
	"github.com/PaulBabatuyi/attachvault/internal/ingest"
	"github.com/PaulBabatuyi/attachvault/internal/ingest/av"
	"github.com/PaulBabatuyi/attachvault/internal/observability"
	"github.com/PaulBabatuyi/attachvault/internal/retention"
	"github.com/PaulBabatuyi/attachvault/internal/service"
	"github.com/PaulBabatuyi/attachvault/internal/storage"
)

// app holds the wired components shared by every command.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	store    database.RecordStore
	vault    *storage.Vault
	ingest   *service.IngestService
	resolver *service.Resolver
	reaper   *retention.Reaper
}

func newApp(cfg *config.Config) (*app, error) {
	if cfg == nil {
		return nil, errors.New("config not initialized")
	}
	logger, err := observability.InitLogger(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	key, err := storage.DeriveKey(cfg.Vault.Secret, cfg.Vault.Salt, cfg.Vault.KDFIterations)
	if err != nil {
		return nil, fmt.Errorf("derive vault key: %w", err)
	}
	vault, err := storage.NewVault(afero.NewOsFs(), cfg.Vault.Dir, key, logger)
	if err != nil {
		return nil, err
	}

	logger.Info("opening record store", zap.String("driver", cfg.Database.Driver))
	store, err := database.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("open record store: %w", err)
	}

	external, err := externalScanners(cfg.AV)
	if err != nil {
		store.Close()
		return nil, err
	}
	scanner := ingest.NewScanner(ingest.ScanConfig{
		EntropyThreshold:   cfg.Ingest.EntropyThreshold,
		MaxExternalRefs:    cfg.Ingest.MaxExternalRefs,
		MaxConcurrentScans: cfg.Ingest.MaxConcurrentScans,
		ExternalTimeout:    cfg.AV.ScanTimeout,
	}, logger, external...)

	limits := ingest.Limits{MaxFiles: cfg.Ingest.MaxFilesPerUpload, MaxFileSize: cfg.Ingest.MaxFileSize}

	return &app{
		cfg:    cfg,
		logger: logger,
		store:  store,
		vault:  vault,
		ingest: service.NewIngestService(store, vault, scanner, limits, logger),
		resolver: service.NewResolver(store, vault, service.ResolverConfig{
			MaxAttachments: cfg.Resolver.MaxAttachments,
			PollInterval:   cfg.Resolver.PollInterval,
			Timeout:        cfg.Resolver.Timeout,
			HideOwnership:  cfg.Resolver.HideOwnership,
		}, logger),
		reaper: retention.NewReaper(store, vault, retention.Config{
			RetentionDays:          cfg.Retention.RetentionDays,
			ProcessingTimeoutHours: cfg.Retention.ProcessingTimeoutHours,
			TempFileTimeoutHours:   cfg.Retention.TempFileTimeoutHours,
			WarningDays:            cfg.Retention.WarningDays,
			TempDirs:               cfg.Vault.TempDirs,
			GDPRPasses:             cfg.Retention.GDPRPasses,
			ExpiryPasses:           cfg.Retention.ExpiryPasses,
		}, logger),
	}, nil
}

func externalScanners(cfg config.AVConfig) ([]ingest.ExternalScanner, error) {
	var out []ingest.ExternalScanner
	if cfg.ClamdEnabled {
		out = append(out, av.NewClamd(cfg.ClamdAddr, cfg.ClamdTimeout))
	}
	if cfg.ReputationEnabled {
		rep, err := av.NewReputation(av.ReputationConfig{
			BaseURL:      cfg.ReputationURL,
			APIKey:       cfg.ReputationAPIKey,
			PollAttempts: cfg.ReputationPollAttempts,
			PollInterval: cfg.ReputationPollInterval,
			RatePerMin:   cfg.ReputationRatePerMin,
		})
		if err != nil {
			return nil, fmt.Errorf("reputation scanner: %w", err)
		}
		out = append(out, rep)
	}
	return out, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.logger.Error("close record store", zap.Error(err))
	}
	_ = a.logger.Sync()
}
