package ledger

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/carbonmeter/emissions/internal/api"
)

func sampleLedger(id string) *Ledger {
	ratio := 0.5
	return &Ledger{
		SubjectID: id,
		Domain:    api.DomainIndividual,
		Records: []api.DailyRecord{
			realRec(1, 5),
			{
				Date:                 day(2),
				SectorValues:         map[string]float64{"transport": 1.5, "food": 2},
				TotalEmission:        3.5,
				IsSynthesized:        true,
				TransportMode:        "Mixed",
				PublicTransportRatio: &ratio,
				Confidence:           0.65,
				ConfidenceLabel:      "medium-low",
				Source:               api.SourceModel,
			},
		},
		UpdatedAt: time.Date(2024, 3, 2, 10, 0, 0, 0, time.UTC),
	}
}

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	if _, err := s.Load(ctx, "nobody"); !errors.Is(err, ErrSubjectNotFound) {
		t.Errorf("Load(unknown) error = %v, want ErrSubjectNotFound", err)
	}

	in := sampleLedger("user-1")
	if err := s.Save(ctx, in); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Save(ctx, sampleLedger("user-0")); err != nil {
		t.Fatalf("Save: %v", err)
	}

	out, err := s.Load(ctx, "user-1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if out.Domain != in.Domain || !sameLedger(out.Records, in.Records) {
		t.Errorf("Load = %+v, want %+v", out, in)
	}

	// overwrite with a shorter snapshot
	in.Records = in.Records[:1]
	if err := s.Save(ctx, in); err != nil {
		t.Fatalf("Save: %v", err)
	}
	out, _ = s.Load(ctx, "user-1")
	if len(out.Records) != 1 {
		t.Errorf("len(Records) after overwrite = %d, want 1", len(out.Records))
	}

	ids, err := s.Subjects(ctx)
	if err != nil {
		t.Fatalf("Subjects: %v", err)
	}
	if strings.Join(ids, ",") != "user-0,user-1" {
		t.Errorf("Subjects = %v, want [user-0 user-1]", ids)
	}

	if err := s.Save(ctx, &Ledger{SubjectID: "../escape"}); !errors.Is(err, ErrInvalidSubject) {
		t.Errorf("Save(../escape) error = %v, want ErrInvalidSubject", err)
	}
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	if err := s.Save(ctx, sampleLedger("u")); err != nil {
		t.Fatal(err)
	}
	l, _ := s.Load(ctx, "u")
	l.Records[0].TotalEmission = 1e9

	again, _ := s.Load(ctx, "u")
	if again.Records[0].TotalEmission != 5 {
		t.Error("mutating a loaded ledger changed the stored copy")
	}
}

func TestFileStore(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	exerciseStore(t, s)
}

func TestFileStore_NoTempFilesLeft(t *testing.T) {
	dir := t.TempDir()
	s, _ := NewFileStore(dir)
	if err := s.Save(context.Background(), sampleLedger("u")); err != nil {
		t.Fatal(err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 || entries[0].Name() != "u.json" {
		t.Errorf("directory entries = %v, want only u.json", entries)
	}
}

func TestSQLiteStore(t *testing.T) {
	s, err := NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer s.Close()
	exerciseStore(t, s)
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	s, err := NewRedisStore(context.Background(), addr, "", 15)
	if err != nil {
		t.Fatalf("NewRedisStore: %v", err)
	}
	defer s.Close()
	s.client.FlushDB(context.Background())
	exerciseStore(t, s)
}

func TestPostgresStore(t *testing.T) {
	conn := os.Getenv("POSTGRES_CONN")
	if conn == "" {
		t.Skip("POSTGRES_CONN not set")
	}
	s, err := NewPostgresStore(context.Background(), conn)
	if err != nil {
		t.Fatalf("NewPostgresStore: %v", err)
	}
	defer s.Close()
	s.pool.Exec(context.Background(), `TRUNCATE emission_records, emission_ledgers`)
	exerciseStore(t, s)
}

func TestOpen_UnknownBackend(t *testing.T) {
	if _, err := Open(context.Background(), Options{Backend: "etcd"}); err == nil {
		t.Error("Open(etcd) succeeded, want error")
	}
}

func TestCSVRoundTrip(t *testing.T) {
	records := sampleLedger("u").Records

	var buf bytes.Buffer
	if err := WriteCSV(&buf, api.DomainIndividual, records); err != nil {
		t.Fatalf("WriteCSV: %v", err)
	}
	if !strings.HasPrefix(buf.String(), "date,transport_mode,public_transport_ratio,transport_co2,") {
		t.Errorf("unexpected header: %q", strings.SplitN(buf.String(), "\n", 2)[0])
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if !strings.HasSuffix(lines[1], ",0") || !strings.HasSuffix(lines[2], ",1") {
		t.Errorf("estimated cells = %q, %q, want 0 and 1", lines[1], lines[2])
	}

	got, skipped, err := ReadCSV(&buf, api.DomainIndividual, "")
	if err != nil {
		t.Fatalf("ReadCSV: %v", err)
	}
	if len(skipped) != 0 {
		t.Errorf("skipped = %v, want none", skipped)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[1].TotalEmission != 3.5 || !got[1].IsSynthesized || got[1].TransportMode != "Mixed" {
		t.Errorf("row 2 = %+v", got[1])
	}
	if got[1].SectorValues["food"] != 2 {
		t.Errorf("food = %v, want 2", got[1].SectorValues["food"])
	}
}

func TestReadCSV_NonNumericCells(t *testing.T) {
	in := "date,transport_co2,food_co2,avoided_co2,total_co2,estimated\n" +
		"2024-03-01,2.5,n/a,0.5,,false\n"

	got, _, err := ReadCSV(strings.NewReader(in), api.DomainIndividual, "")
	if err != nil {
		t.Fatalf("ReadCSV: %v", err)
	}
	rec := got[0]
	if _, ok := rec.SectorValues["food"]; ok {
		t.Error("non-numeric food cell was coerced into sector_values")
	}
	if rec.TotalEmission != 2 {
		t.Errorf("TotalEmission = %v, want 2 (recomputed 2.5 - 0.5)", rec.TotalEmission)
	}
}

func TestReadCSV_SkippedRows(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		dates   []string
		skipped []SkippedRow
	}{
		{
			name:    "bad date",
			in:      "date,total_co2\n2024-03-01,3\nyesterday,3\n2024-03-03,4\n",
			dates:   []string{"2024-03-01", "2024-03-03"},
			skipped: []SkippedRow{{Line: 3, Reason: skipBadDate}},
		},
		{
			name: "no numeric cells",
			in: "date,transport_co2,food_co2,total_co2,estimated\n" +
				"2024-03-01,n/a,,,0\n" +
				"2024-03-02,1,,,0\n",
			dates:   []string{"2024-03-02"},
			skipped: []SkippedRow{{Line: 2, Reason: skipNoData}},
		},
		{
			name:  "total only",
			in:    "date,total_co2\n2024-03-01,0\n",
			dates: []string{"2024-03-01"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, skipped, err := ReadCSV(strings.NewReader(tt.in), api.DomainIndividual, "")
			if err != nil {
				t.Fatalf("ReadCSV: %v", err)
			}
			var dates []string
			for _, rec := range got {
				dates = append(dates, rec.Date.String())
			}
			if !reflect.DeepEqual(dates, tt.dates) {
				t.Errorf("dates = %v, want %v", dates, tt.dates)
			}
			if !reflect.DeepEqual(skipped, tt.skipped) {
				t.Errorf("skipped = %v, want %v", skipped, tt.skipped)
			}
		})
	}
}
