package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeSheetsAPI serves values.get and values.append for one spreadsheet.
type fakeSheetsAPI struct {
	mu       sync.Mutex
	values   [][]interface{}
	appended [][]interface{}
	status   int
	gets     int
}

func (f *fakeSheetsAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !strings.HasPrefix(r.URL.Path, "/v4/spreadsheets/sheet123/values/") {
		http.NotFound(w, r)
		return
	}
	if f.status != 0 {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(f.status)
		w.Write([]byte(`{"error":{"code":403,"message":"The caller does not have permission","status":"PERMISSION_DENIED"}}`))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if strings.HasSuffix(r.URL.Path, ":append") {
		var body struct {
			Values [][]interface{} `json:"values"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if r.URL.Query().Get("valueInputOption") != "USER_ENTERED" {
			http.Error(w, "missing valueInputOption", http.StatusBadRequest)
			return
		}
		f.appended = append(f.appended, body.Values...)
		json.NewEncoder(w).Encode(map[string]interface{}{"spreadsheetId": "sheet123"})
		return
	}

	f.gets++
	resp := map[string]interface{}{"range": "sheet1!A2:F1000", "majorDimension": "ROWS"}
	if len(f.values) > 0 {
		resp["values"] = f.values
	}
	json.NewEncoder(w).Encode(resp)
}

func (f *fakeSheetsAPI) appendedRows() [][]interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.appended
}

func newFakeSheets(t *testing.T, api *fakeSheetsAPI) SheetsConfig {
	t.Helper()
	ts := httptest.NewServer(api)
	t.Cleanup(ts.Close)
	return SheetsConfig{SpreadsheetID: "sheet123", Range: DefaultSheetRange, Endpoint: ts.URL + "/"}
}

func TestSheetsSourceFetch(t *testing.T) {
	api := &fakeSheetsAPI{values: [][]interface{}{
		{"1", "Car", "North", 42.5, "2024-05-01 10:00:00", "Low"},
		{"2", "Bus", "South", "30"},
	}}
	src, err := NewSheetsSource(context.Background(), newFakeSheets(t, api))
	if err != nil {
		t.Fatal(err)
	}

	rows, err := src.Fetch(context.Background())
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if rows[0][3] != "42.5" {
		t.Errorf("numeric cell should be stringified, got %q", rows[0][3])
	}
	if len(rows[1]) != 4 {
		t.Errorf("short rows are passed through as-is, got %v", rows[1])
	}
}

func TestSheetsSourceEmpty(t *testing.T) {
	src, err := NewSheetsSource(context.Background(), newFakeSheets(t, &fakeSheetsAPI{}))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := src.Fetch(context.Background()); !errors.Is(err, ErrNoData) {
		t.Errorf("expected ErrNoData, got %v", err)
	}
}

func TestSheetsSourceError(t *testing.T) {
	src, err := NewSheetsSource(context.Background(), newFakeSheets(t, &fakeSheetsAPI{status: http.StatusForbidden}))
	if err != nil {
		t.Fatal(err)
	}
	_, err = src.Fetch(context.Background())
	if err == nil || !strings.Contains(err.Error(), "403") {
		t.Errorf("expected a 403 error, got %v", err)
	}
}

func TestSheetsPollEndToEnd(t *testing.T) {
	api := &fakeSheetsAPI{values: [][]interface{}{
		{"1", "Car", "North", "40", "2024-05-01 10:00:00", "Low"},
		{"2", "car", "North", "60", "2024-05-01 11:00:00", "Low"},
	}}
	src, err := NewSheetsSource(context.Background(), newFakeSheets(t, api))
	if err != nil {
		t.Fatal(err)
	}
	p := NewPoller(PollerConfig{}, src, NewSnapshotStore(), nil)
	snap, err := p.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	d := NewAggregator(0, time.UTC).Build(snap, Filter{}, "")
	if *d.AverageSpeed != 50 || d.CarCount != 2 {
		t.Errorf("unexpected view: speed=%v cars=%d", *d.AverageSpeed, d.CarCount)
	}
}

func TestSheetWriterAppend(t *testing.T) {
	api := &fakeSheetsAPI{}
	w, err := NewSheetWriter(context.Background(), newFakeSheets(t, api))
	if err != nil {
		t.Fatal(err)
	}
	rows := [][]string{{"1", "Car", "North", "40", "2024-05-01 10:00:00", "Low"}}
	if err := w.Append(context.Background(), rows); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	got := api.appendedRows()
	if len(got) != 1 || got[0][1] != "Car" {
		t.Errorf("unexpected appended values %v", got)
	}
	if err := w.Append(context.Background(), nil); err != nil {
		t.Errorf("empty append should be a no-op: %v", err)
	}
}

func TestNewSheetsSourceRequiresID(t *testing.T) {
	if _, err := NewSheetsSource(context.Background(), SheetsConfig{Endpoint: "http://localhost/"}); err == nil {
		t.Error("expected an error without a spreadsheet id")
	}
}

const sampleCSV = `ID,Vehicle Type,Direction,Speed (km/h),Current Time,Congestion Level
1,Car,North,40,2024-05-01 10:00:00,Low
2,Bus,South,25
3,Motorcycle,East,90,2024-05-01 10:02:00,Low,extra
`

func TestCSVSourceFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "obs.csv")
	if err := os.WriteFile(path, []byte(sampleCSV), 0o644); err != nil {
		t.Fatal(err)
	}
	rows, err := NewCSVSource(path, true, 0).Fetch(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 3 || rows[0][0] != "1" {
		t.Errorf("unexpected rows %v", rows)
	}

	res := ParseRows(rows, TimeParser{Location: time.UTC})
	if len(res.Observations) != 3 || res.Rejected != 0 {
		t.Errorf("ragged rows should parse: %+v", res)
	}
}

func TestCSVSourceURL(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.Error(w, "no such sheet", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "text/csv")
		w.Write([]byte(sampleCSV))
	}))
	defer ts.Close()

	rows, err := NewCSVSource(ts.URL+"/export", true, time.Second).Fetch(context.Background())
	if err != nil || len(rows) != 3 {
		t.Fatalf("rows=%v err=%v", rows, err)
	}

	_, err = NewCSVSource(ts.URL+"/missing", true, time.Second).Fetch(context.Background())
	if err == nil || !strings.Contains(err.Error(), "404") {
		t.Errorf("expected status in error, got %v", err)
	}
}

func TestNewSourceSelectsBackend(t *testing.T) {
	src, err := NewSource(context.Background(), Config{Source: "csv", CSVPath: "x.csv"})
	if err != nil || src.Name() != "csv" {
		t.Errorf("got %v, %v", src, err)
	}
	if _, err := NewSource(context.Background(), Config{Source: "ftp"}); err == nil {
		t.Error("expected an error for an unknown source")
	}
}
