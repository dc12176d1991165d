package main

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"statement-ingest-service/internal/matcher"
	"statement-ingest-service/internal/models"
	"statement-ingest-service/internal/normalizer"
	"statement-ingest-service/internal/parsers"
	"statement-ingest-service/pkg/logger"
)

func newGenerator() *StatementGenerator {
	return &StatementGenerator{
		Count:          30,
		StartDate:      time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		EndDate:        time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC),
		MinAmount:      decimal.NewFromInt(1),
		MaxAmount:      decimal.NewFromInt(500),
		DuplicateRatio: 0.2,
		Seed:           42,
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*StatementGenerator)
		wantErr bool
	}{
		{"defaults", func(*StatementGenerator) {}, false},
		{"zero count", func(g *StatementGenerator) { g.Count = 0 }, true},
		{"reversed dates", func(g *StatementGenerator) { g.EndDate = g.StartDate.AddDate(0, 0, -1) }, true},
		{"zero minimum", func(g *StatementGenerator) { g.MinAmount = decimal.Zero }, true},
		{"max below min", func(g *StatementGenerator) { g.MaxAmount = decimal.NewFromFloat(0.5) }, true},
		{"ratio above one", func(g *StatementGenerator) { g.DuplicateRatio = 1.5 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newGenerator()
			tt.modify(g)
			if err := g.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestGenerateIsReproducible(t *testing.T) {
	first, firstDups := newGenerator().Generate()
	second, secondDups := newGenerator().Generate()

	if len(first) != 36 || len(firstDups) != 6 {
		t.Fatalf("expected 36 rows with 6 duplicates, got %d rows and %d duplicates", len(first), len(firstDups))
	}
	if len(first) != len(second) || len(firstDups) != len(secondDups) {
		t.Fatal("same seed produced different sizes")
	}
	for i := range first {
		if first[i].Date != second[i].Date || !first[i].Amount.Equal(second[i].Amount) || first[i].Purpose != second[i].Purpose {
			t.Fatalf("row %d differs between runs with the same seed", i)
		}
	}
}

func TestGeneratedFilesParseAndMatch(t *testing.T) {
	rows, injected := newGenerator().Generate()

	tests := []struct {
		name   string
		write  func(*bytes.Buffer) error
		parser parsers.FormatParser
	}{
		{"csv", func(b *bytes.Buffer) error { return WriteCSV(b, rows) }, parsers.NewCSVParser(parsers.DefaultConfig(), logger.Discard())},
		{"xlsx", func(b *bytes.Buffer) error { return WriteXLSX(b, rows) }, parsers.NewXLSXParser(parsers.DefaultConfig(), logger.Discard())},
	}

	norm, err := normalizer.New(nil, logger.Discard())
	if err != nil {
		t.Fatalf("normalizer: %v", err)
	}
	engine, err := matcher.NewMatchingEngine(nil, logger.Discard())
	if err != nil {
		t.Fatalf("matcher: %v", err)
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := tt.write(&buf); err != nil {
				t.Fatalf("write: %v", err)
			}

			candidates, err := tt.parser.Parse(context.Background(), "generated."+tt.name, buf.Bytes())
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if len(candidates) != len(rows) {
				t.Fatalf("parsed %d candidates, want %d", len(candidates), len(rows))
			}

			result, err := norm.NormalizeAll(candidates)
			if err != nil {
				t.Fatalf("normalize: %v", err)
			}
			if len(result.Skipped) != 0 {
				t.Fatalf("expected no skipped rows, got %d", len(result.Skipped))
			}

			for _, dup := range injected {
				score := engine.ScorePair(result.Transactions[dup.Source], result.Transactions[dup.Duplicate])
				if !score.Qualified {
					t.Errorf("%s duplicate of row %d did not qualify: %+v", dup.Variant, dup.Source, score)
					continue
				}
				if dup.Variant != VariantShiftDate && score.MatchType != models.MatchTypeExact {
					t.Errorf("%s duplicate matched as %s, want exact", dup.Variant, score.MatchType)
				}
			}
		})
	}
}
