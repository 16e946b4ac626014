package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/writer"
)

// ArchiveRecord is the parquet row layout for an archived observation.
type ArchiveRecord struct {
	ID              string  `parquet:"name=id, type=BYTE_ARRAY, convertedtype=UTF8"`
	VehicleType     string  `parquet:"name=vehicle_type, type=BYTE_ARRAY, convertedtype=UTF8"`
	Direction       string  `parquet:"name=direction, type=BYTE_ARRAY, convertedtype=UTF8"`
	SpeedKMH        float64 `parquet:"name=speed_kmh, type=DOUBLE"`
	ObservedAt      int64   `parquet:"name=observed_at, type=INT64"` // unix millis, 0 when unparseable
	RawTime         string  `parquet:"name=raw_time, type=BYTE_ARRAY, convertedtype=UTF8"`
	CongestionLevel string  `parquet:"name=congestion_level, type=BYTE_ARRAY, convertedtype=UTF8"`
	SnapshotVersion int64   `parquet:"name=snapshot_version, type=INT64"`
}

func toArchiveRecord(o Observation, version uint64) ArchiveRecord {
	rec := ArchiveRecord{
		ID:              o.ID,
		VehicleType:     o.VehicleType,
		Direction:       o.Direction,
		SpeedKMH:        o.SpeedKMH,
		RawTime:         o.RawTime,
		CongestionLevel: o.CongestionLevel,
		SnapshotVersion: int64(version),
	}
	if o.HasTime() {
		rec.ObservedAt = o.Time.UnixMilli()
	}
	return rec
}

// Uploader puts a finished archive file into object storage.
type Uploader interface {
	Upload(ctx context.Context, key, path string) error
}

// S3Uploader uploads archive files to one bucket.
type S3Uploader struct {
	client *s3.Client
	bucket string
}

func NewS3Uploader(ctx context.Context, region, bucket string) (*S3Uploader, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("unable to load SDK config: %w", err)
	}
	return &S3Uploader{client: s3.NewFromConfig(cfg), bucket: bucket}, nil
}

func (u *S3Uploader) Upload(ctx context.Context, key, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String("application/vnd.apache.parquet"),
	})
	if err != nil {
		return fmt.Errorf("unable to upload %s to s3://%s: %w", key, u.bucket, err)
	}
	return nil
}

// ArchiveConfig holds the archive job settings
type ArchiveConfig struct {
	Enabled  bool
	Interval time.Duration
	Dir      string
}

// Archiver periodically writes the latest snapshot to parquet.
type Archiver struct {
	cfg      ArchiveConfig
	store    *SnapshotStore
	uploader Uploader // nil keeps files local only

	lastHash string // content of the last archived snapshot
}

func NewArchiver(cfg ArchiveConfig, store *SnapshotStore, uploader Uploader) *Archiver {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.Dir == "" {
		cfg.Dir = "data/archive"
	}
	return &Archiver{cfg: cfg, store: store, uploader: uploader}
}

// Start runs the archive loop until ctx is cancelled.
func (a *Archiver) Start(ctx context.Context) {
	if !a.cfg.Enabled {
		log.Println("INFO: archive job disabled")
		return
	}
	go func() {
		ticker := time.NewTicker(a.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := a.RunNow(ctx); err != nil {
					log.Printf("[ARCHIVE] %v", err)
				}
			}
		}
	}()
	log.Printf("INFO: archive job started (interval: %v, dir: %s, upload: %v)", a.cfg.Interval, a.cfg.Dir, a.uploader != nil)
}

// RunNow archives the latest snapshot and returns the file path.
// Nothing is written when there are no rows or the content is unchanged since the last run.
func (a *Archiver) RunNow(ctx context.Context) (string, error) {
	snap := a.store.Latest()
	if snap == nil || len(snap.Observations) == 0 || snap.Hash == a.lastHash {
		return "", nil
	}

	if err := os.MkdirAll(a.cfg.Dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create archive dir: %w", err)
	}
	day := snap.FetchedAt.UTC().Format("2006-01-02")
	name := fmt.Sprintf("observations-%s-v%d.parquet", snap.FetchedAt.UTC().Format("20060102T150405"), snap.Version)
	path := filepath.Join(a.cfg.Dir, name)

	if err := WriteParquet(path, snap.Observations, snap.Version); err != nil {
		return "", err
	}
	log.Printf("[ARCHIVE] wrote %d rows to %s", len(snap.Observations), path)

	if a.uploader != nil {
		key := filepath.ToSlash(filepath.Join("observations", day, name))
		uctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
		defer cancel()
		if err := a.uploader.Upload(uctx, key, path); err != nil {
			return path, err
		}
		log.Printf("[ARCHIVE] uploaded %s", key)
	}

	a.lastHash = snap.Hash
	return path, nil
}

// WriteParquet writes observations to a local parquet file.
func WriteParquet(path string, obs []Observation, version uint64) error {
	fw, err := local.NewLocalFileWriter(path)
	if err != nil {
		return fmt.Errorf("failed to create local file writer: %w", err)
	}

	pw, err := writer.NewParquetWriter(fw, new(ArchiveRecord), 4)
	if err != nil {
		fw.Close()
		return fmt.Errorf("failed to create ParquetWriter: %w", err)
	}
	for _, o := range obs {
		if err := pw.Write(toArchiveRecord(o, version)); err != nil {
			pw.WriteStop()
			fw.Close()
			return fmt.Errorf("failed to write record %s: %w", o.ID, err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		fw.Close()
		return fmt.Errorf("failed to finish parquet file: %w", err)
	}
	return fw.Close()
}
