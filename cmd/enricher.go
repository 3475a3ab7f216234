package main

import (
	"time"

	"github.com/rotisserie/eris"

	"github.com/medprep/qbank-admin/internal/enrich"
	"github.com/medprep/qbank-admin/internal/jobs"
	"github.com/medprep/qbank-admin/internal/resilience"
	anthropicpkg "github.com/medprep/qbank-admin/pkg/anthropic"
)

// initCompleter builds the model client selected by enrich.provider.
func initCompleter() (enrich.Completer, error) {
	switch cfg.Enrich.Provider {
	case "anthropic":
		client := anthropicpkg.NewClient(cfg.Anthropic.Key)
		return enrich.NewAnthropicCompleter(client, cfg.Anthropic.Model, cfg.Enrich.MaxTokens), nil
	case "azure":
		c, err := enrich.NewAzureCompleter(enrich.AzureConfig{
			Endpoint:   cfg.Azure.Endpoint,
			APIKey:     cfg.Azure.Key,
			APIVersion: cfg.Azure.APIVersion,
			Deployment: cfg.Azure.Deployment,
			MaxTokens:  cfg.Enrich.MaxTokens,
		})
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, eris.Errorf("unsupported enrich provider: %s", cfg.Enrich.Provider)
	}
}

// initEnricher wraps the configured completer with rate limiting and reply
// validation.
func initEnricher() (*enrich.LLMEnricher, error) {
	completer, err := initCompleter()
	if err != nil {
		return nil, err
	}
	return enrich.NewLLMEnricher(completer, enrich.Config{
		RequestsPerMinute: cfg.Enrich.RequestsPerMinute,
		Burst:             cfg.Enrich.Burst,
		RequestTimeout:    time.Duration(cfg.Enrich.RequestTimeoutSecs) * time.Second,
	})
}

// processorConfig maps the jobs section onto the processor's knobs.
func processorConfig() jobs.Config {
	return jobs.Config{
		BatchConcurrency: cfg.Jobs.BatchConcurrency,
		FailureThreshold: cfg.Jobs.FailureThreshold,
		BatchTimeout:     cfg.Jobs.BatchTimeout(),
		MaxDuration:      cfg.Jobs.MaxDuration(),
		Retry: resilience.FromRetryConfig(
			cfg.Jobs.RetryMaxAttempts,
			cfg.Jobs.RetryInitialBackoffMs,
			cfg.Jobs.RetryMaxBackoffMs,
		),
	}
}
