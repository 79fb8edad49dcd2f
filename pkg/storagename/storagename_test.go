package storagename

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestGenerateParseRoundTrip(t *testing.T) {
	id := uuid.New()
	ts := time.Date(2025, 1, 10, 15, 30, 45, 0, time.UTC)

	got, err := Generate("report.pdf", "ivanov", ts, id)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	want := "report_ivanov_20250110T153045_" + id.String() + ".pdf"
	if got != want {
		t.Fatalf("Generate() = %q, want %q", got, want)
	}

	c, err := Parse(got)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if c.Stem != "report" || c.Username != "ivanov" || c.UUID != id || c.Extension != ".pdf" {
		t.Fatalf("Parse() = %+v", c)
	}
	if !c.Timestamp.Equal(ts) {
		t.Fatalf("Parse() timestamp = %v, want %v", c.Timestamp, ts)
	}
}

func TestGenerateSanitizesStemWithUnderscores(t *testing.T) {
	id := uuid.New()
	ts := time.Now().UTC()

	got, err := Generate("report/2024.pdf", "bob", ts, id)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if !strings.HasPrefix(got, "report_2024_bob_") {
		t.Fatalf("Generate() = %q, want prefix report_2024_bob_", got)
	}

	c, err := Parse(got)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	// The sanitized stem itself contains an underscore, which the parser
	// must fold back into the stem rather than mistaking for a separator.
	if c.Stem != "report_2024" {
		t.Fatalf("Parse().Stem = %q, want %q", c.Stem, "report_2024")
	}
}

func TestGenerateTruncatesLongStem(t *testing.T) {
	id := uuid.New()
	ts := time.Now().UTC()
	longName := strings.Repeat("a", 250) + ".txt"

	got, err := Generate(longName, "bob", ts, id)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(got) > MaxTotalLength {
		t.Fatalf("Generate() length = %d, want <= %d", len(got), MaxTotalLength)
	}

	c, err := Parse(got)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !strings.HasSuffix(c.Stem, "...") {
		t.Fatalf("Parse().Stem = %q, want truncation marker", c.Stem)
	}
}

func TestGenerateEmptyUsernameRejected(t *testing.T) {
	if _, err := Generate("a.txt", "   ", time.Now(), uuid.New()); err == nil {
		t.Fatal("expected error for blank username")
	}
}

func TestSanitizeCollapsesAndTrims(t *testing.T) {
	got := Sanitize(`<<report>>///2024`)
	if got != "report_2024" {
		t.Fatalf("Sanitize() = %q, want %q", got, "report_2024")
	}
}

func TestParseRejectsShortName(t *testing.T) {
	if _, err := Parse("justastring.txt"); err == nil {
		t.Fatal("expected error for malformed storage filename")
	}
}

func TestStoragePath(t *testing.T) {
	ts := time.Date(2025, 1, 10, 15, 30, 45, 0, time.UTC)
	if got, want := StoragePath(ts), "2025/01/10/15"; got != want {
		t.Fatalf("StoragePath() = %q, want %q", got, want)
	}
}
