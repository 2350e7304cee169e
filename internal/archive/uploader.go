package archive

import (
	"context"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Config controls the S3 uploader. Archiving is enabled iff Bucket is
// non-empty.
type Config struct {
	Bucket string
	Region string

	// Endpoint overrides the AWS endpoint for S3-compatible stores
	// (MinIO, R2). Path-style addressing is used when set.
	Endpoint string

	AccessKey string
	SecretKey string

	// Prefix is prepended to every object key.
	Prefix string

	// Interval is the sweep cadence.
	Interval time.Duration
}

func (c *Config) applyDefaults() {
	if c.Region == "" {
		c.Region = "us-east-1"
	}
	if c.Interval <= 0 {
		c.Interval = time.Hour
	}
}

// ObjectPutter is the slice of the S3 API the uploader needs.
type ObjectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Stats is a point-in-time snapshot of the uploader.
type Stats struct {
	Uploaded     int64
	UploadErrors int64
	LastSweep    time.Time
}

// Uploader sweeps closed hour partitions under root and uploads each
// file once per process lifetime. Uploads are idempotent, so a restart
// re-pushing already-archived files only costs bandwidth.
type Uploader struct {
	cfg     Config
	root    string
	formats []string
	client  ObjectPutter
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	uploaded map[string]bool
	stats    Stats
}

// NewUploader creates the archive uploader over the storage root.
func NewUploader(cfg Config, root string, formats []string, logger *slog.Logger) *Uploader {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	opts := s3.Options{
		Region:      cfg.Region,
		Credentials: credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
		opts.UsePathStyle = true
	}

	return &Uploader{
		cfg:      cfg,
		root:     root,
		formats:  formats,
		client:   s3.New(opts),
		logger:   logger,
		uploaded: make(map[string]bool),
	}
}

// Start launches the sweep loop. A missing bucket disables archiving.
func (u *Uploader) Start(ctx context.Context) error {
	if u.cfg.Bucket == "" {
		u.logger.Info("archive uploader disabled")
		return nil
	}
	u.ctx, u.cancel = context.WithCancel(ctx)

	u.wg.Add(1)
	go u.run()

	u.logger.Info("archive uploader started",
		"bucket", u.cfg.Bucket,
		"interval", u.cfg.Interval,
	)
	return nil
}

// Stop cancels the sweep loop and waits for an in-flight sweep.
func (u *Uploader) Stop(ctx context.Context) error {
	if u.cancel == nil {
		return nil
	}
	u.cancel()

	done := make(chan struct{})
	go func() {
		u.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		u.logger.Info("archive uploader stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns a snapshot of the uploader counters.
func (u *Uploader) Stats() Stats {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.stats
}

func (u *Uploader) run() {
	defer u.wg.Done()

	ticker := time.NewTicker(u.cfg.Interval)
	defer ticker.Stop()

	u.sweep(time.Now())
	for {
		select {
		case <-u.ctx.Done():
			return
		case <-ticker.C:
			u.sweep(time.Now())
		}
	}
}

func (u *Uploader) sweep(now time.Time) {
	files, err := u.closedFiles(now)
	if err != nil {
		u.logger.Error("archive sweep failed", "error", err)
		return
	}

	var pushed, failed int
	for _, rel := range files {
		select {
		case <-u.ctx.Done():
			return
		default:
		}
		if err := u.upload(rel); err != nil {
			u.logger.Warn("archive upload failed", "file", rel, "error", err)
			failed++
			continue
		}
		pushed++
	}

	u.mu.Lock()
	u.stats.Uploaded += int64(pushed)
	u.stats.UploadErrors += int64(failed)
	u.stats.LastSweep = now
	u.mu.Unlock()

	if pushed > 0 || failed > 0 {
		u.logger.Info("archive sweep complete", "uploaded", pushed, "failed", failed)
	}
}

// closedFiles lists the root-relative paths of every file in a closed
// hour partition that has not been uploaded by this process yet.
func (u *Uploader) closedFiles(now time.Time) ([]string, error) {
	currentHour := now.UTC().Truncate(time.Hour)
	var out []string

	u.mu.Lock()
	defer u.mu.Unlock()

	for _, format := range u.formats {
		formatRoot := filepath.Join(u.root, format)
		err := filepath.WalkDir(formatRoot, func(p string, d os.DirEntry, err error) error {
			if err != nil {
				if os.IsNotExist(err) {
					return filepath.SkipAll
				}
				return err
			}
			if d.IsDir() {
				return nil
			}
			rel, err := filepath.Rel(u.root, p)
			if err != nil || u.uploaded[rel] {
				return nil
			}
			hour, ok := partitionHour(rel)
			if !ok || !hour.Before(currentHour) {
				return nil
			}
			out = append(out, rel)
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (u *Uploader) upload(rel string) error {
	f, err := os.Open(filepath.Join(u.root, rel))
	if err != nil {
		return err
	}
	defer f.Close()

	ctx, cancel := context.WithTimeout(u.ctx, time.Minute)
	defer cancel()

	_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(u.cfg.Bucket),
		Key:    aws.String(objectKey(u.cfg.Prefix, rel)),
		Body:   f,
	})
	if err != nil {
		return err
	}

	u.mu.Lock()
	u.uploaded[rel] = true
	u.mu.Unlock()
	return nil
}

// objectKey joins the prefix and the root-relative file path with
// forward slashes regardless of host OS.
func objectKey(prefix, rel string) string {
	key := filepath.ToSlash(rel)
	if prefix == "" {
		return key
	}
	return path.Join(prefix, key)
}

// partitionHour parses the hour a root-relative path belongs to. The
// layout is format/YYYY/MM/DD/HH/file.
func partitionHour(rel string) (time.Time, bool) {
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) != 6 {
		return time.Time{}, false
	}
	stamp := strings.Join(parts[1:5], "/")
	hour, err := time.ParseInLocation("2006/01/02/15", stamp, time.UTC)
	if err != nil {
		return time.Time{}, false
	}
	return hour, true
}
