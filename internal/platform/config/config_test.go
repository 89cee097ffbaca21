package config

import (
	"os"
	"testing"
	"time"
)

const (
	testEnvPostgresDSN = "POSTGRES_DSN"
	testPostgresDSN    = "postgres://localhost/test"
)

func TestLoad_MissingRequired(t *testing.T) {
	os.Unsetenv(testEnvPostgresDSN)

	_, err := Load()
	if err == nil {
		t.Error("expected error for missing required env vars")
	}
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv(testEnvPostgresDSN, testPostgresDSN)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.AppEnv != "local" {
		t.Errorf("AppEnv = %q, want local", cfg.AppEnv)
	}

	if cfg.EmbeddingModel != "text-embedding-3-small" {
		t.Errorf("EmbeddingModel = %q", cfg.EmbeddingModel)
	}

	if cfg.EmbeddingDimensions != 1536 {
		t.Errorf("EmbeddingDimensions = %d, want 1536", cfg.EmbeddingDimensions)
	}

	if cfg.DuplicateSimilarity != 0.85 || cfg.RelatedSimilarity != 0.60 {
		t.Errorf("thresholds = %v/%v, want 0.85/0.60", cfg.DuplicateSimilarity, cfg.RelatedSimilarity)
	}

	if cfg.WilsonZ != 1.96 {
		t.Errorf("WilsonZ = %v, want 1.96", cfg.WilsonZ)
	}

	if cfg.IssueCapFraction != 0.40 || cfg.ReservedMinoritySlots != 10 {
		t.Errorf("portfolio defaults = %v/%d", cfg.IssueCapFraction, cfg.ReservedMinoritySlots)
	}

	if len(cfg.IssueTags) != 7 {
		t.Errorf("IssueTags = %v, want 7 default tags", cfg.IssueTags)
	}

	if cfg.SweepInterval != time.Hour {
		t.Errorf("SweepInterval = %v, want 1h", cfg.SweepInterval)
	}
}

func TestLoad_IssueTagList(t *testing.T) {
	t.Setenv(testEnvPostgresDSN, testPostgresDSN)
	t.Setenv("ISSUE_TAGS", "housing,parks,water")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	want := []string{"housing", "parks", "water"}
	if len(cfg.IssueTags) != len(want) {
		t.Fatalf("IssueTags = %v, want %v", cfg.IssueTags, want)
	}

	for i := range want {
		if cfg.IssueTags[i] != want[i] {
			t.Errorf("IssueTags[%d] = %q, want %q", i, cfg.IssueTags[i], want[i])
		}
	}
}

func TestLoad_RejectsInvertedThresholds(t *testing.T) {
	t.Setenv(testEnvPostgresDSN, testPostgresDSN)
	t.Setenv("DUPLICATE_SIMILARITY", "0.5")
	t.Setenv("RELATED_SIMILARITY", "0.8")

	if _, err := Load(); err == nil {
		t.Error("expected error when duplicate threshold is below related threshold")
	}
}

func TestLoad_RejectsBadCapFraction(t *testing.T) {
	t.Setenv(testEnvPostgresDSN, testPostgresDSN)
	t.Setenv("ISSUE_CAP_FRACTION", "1.5")

	if _, err := Load(); err == nil {
		t.Error("expected error for cap fraction above 1")
	}
}

func TestLoad_RejectsEmptyTaxonomy(t *testing.T) {
	t.Setenv(testEnvPostgresDSN, testPostgresDSN)
	t.Setenv("ISSUE_TAGS", ",")

	if _, err := Load(); err == nil {
		t.Error("expected error for empty issue tags")
	}
}
