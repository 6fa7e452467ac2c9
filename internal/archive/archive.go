// Package archive exports verified segments of the security log to S3.
package archive

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	"github.com/einsatzlog/etbguard/internal/models"
	"github.com/einsatzlog/etbguard/internal/seclog"
	"github.com/einsatzlog/etbguard/internal/store"
)

// ErrChainInvalid is returned when the segment to export fails verification.
var ErrChainInvalid = errors.New("chain segment failed verification")

// Config holds archive settings.
type Config struct {
	Enabled      bool          `yaml:"enabled"`
	Bucket       string        `yaml:"bucket"`
	Prefix       string        `yaml:"prefix"`
	Region       string        `yaml:"region"`
	Endpoint     string        `yaml:"endpoint"` // S3-compatible endpoint, e.g. MinIO
	UsePathStyle bool          `yaml:"use_path_style"`
	StorageClass string        `yaml:"storage_class"`
	Interval     time.Duration `yaml:"interval"`
	MaxEvents    int64         `yaml:"max_events"` // per segment
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Prefix:    "etbguard/security-log",
		Region:    "eu-central-1",
		Interval:  time.Hour,
		MaxEvents: 10000,
	}
}

// Uploader is the part of the S3 client the archiver uses.
type Uploader interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// ChainVerifier verifies a sequence range of the security log.
type ChainVerifier interface {
	Verify(ctx context.Context, from, to int64) (*seclog.VerificationReport, error)
}

// EventLogger appends to the security log.
type EventLogger interface {
	Log(ctx context.Context, ev *models.SecurityEvent) (*models.SecurityEvent, error)
}

// NewS3Client builds an S3 client from the default AWS credential chain.
func NewS3Client(ctx context.Context, cfg Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	}), nil
}

// Manifest describes one exported segment.
type Manifest struct {
	Bucket       string    `json:"bucket"`
	Key          string    `json:"key"`
	From         int64     `json:"from"`
	To           int64     `json:"to"`
	Count        int64     `json:"count"`
	PreviousHash string    `json:"previous_hash"`
	HeadHash     string    `json:"head_hash"`
	SHA256       string    `json:"sha256"`
	ExportedAt   time.Time `json:"exported_at"`
}

// Archiver exports the chain in segments. The checkpoint is the last exported
// sequence and only advances after a successful upload.
type Archiver struct {
	store    store.EventStore
	verifier ChainVerifier
	events   EventLogger
	uploader Uploader
	config   Config
	logger   *zap.Logger
	now      func() time.Time

	mu         sync.Mutex
	checkpoint int64
}

// New creates an archiver. events may be nil.
func New(s store.EventStore, verifier ChainVerifier, events EventLogger, uploader Uploader, cfg Config, logger *zap.Logger) *Archiver {
	def := DefaultConfig()
	if cfg.MaxEvents <= 0 {
		cfg.MaxEvents = def.MaxEvents
	}
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	return &Archiver{
		store:    s,
		verifier: verifier,
		events:   events,
		uploader: uploader,
		config:   cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// Checkpoint returns the last exported sequence.
func (a *Archiver) Checkpoint() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.checkpoint
}

// SetCheckpoint resumes exporting after seq.
func (a *Archiver) SetCheckpoint(seq int64) {
	a.mu.Lock()
	a.checkpoint = seq
	a.mu.Unlock()
}

// Key returns the object key of a segment.
func Key(prefix string, at time.Time, from, to int64) string {
	at = at.UTC()
	name := fmt.Sprintf("%04d/%02d/%02d/chain-%d-%d.jsonl", at.Year(), at.Month(), at.Day(), from, to)
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return name
	}
	return path.Join(prefix, name)
}

// Export uploads the next segment after the checkpoint. It returns a nil
// manifest when there is nothing new to export.
func (a *Archiver) Export(ctx context.Context) (*Manifest, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	head, err := a.store.LastEvent(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading chain head: %w", err)
	}
	if head == nil || head.Sequence <= a.checkpoint {
		return nil, nil
	}

	from := a.checkpoint + 1
	to := head.Sequence
	if to-from+1 > a.config.MaxEvents {
		to = from + a.config.MaxEvents - 1
	}

	report, err := a.verifier.Verify(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("verifying segment: %w", err)
	}
	if !report.Valid {
		return nil, fmt.Errorf("%w: %d issue(s) in %d-%d", ErrChainInvalid, len(report.Issues), from, to)
	}

	var buf bytes.Buffer
	first, last, count, err := WriteJSONL(ctx, a.store, &buf, from, to)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(buf.Bytes())
	now := a.now().UTC()

	m := &Manifest{
		Bucket:     a.config.Bucket,
		Key:        Key(a.config.Prefix, now, from, to),
		From:       from,
		To:         to,
		Count:      count,
		SHA256:     hex.EncodeToString(sum[:]),
		ExportedAt: now,
	}
	if first != nil {
		m.PreviousHash = first.PreviousHash
	}
	if last != nil {
		m.HeadHash = last.Hash
	}

	put := &s3.PutObjectInput{
		Bucket:      aws.String(a.config.Bucket),
		Key:         aws.String(m.Key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/x-ndjson"),
		Metadata: map[string]string{
			"sha256":    m.SHA256,
			"from":      strconv.FormatInt(from, 10),
			"to":        strconv.FormatInt(to, 10),
			"head-hash": m.HeadHash,
		},
	}
	if a.config.StorageClass != "" {
		put.StorageClass = types.StorageClass(a.config.StorageClass)
	}
	if _, err := a.uploader.PutObject(ctx, put); err != nil {
		return nil, fmt.Errorf("uploading segment %s: %w", m.Key, err)
	}

	manifestData, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding manifest: %w", err)
	}
	if _, err := a.uploader.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.config.Bucket),
		Key:         aws.String(strings.TrimSuffix(m.Key, ".jsonl") + ".manifest.json"),
		Body:        bytes.NewReader(manifestData),
		ContentType: aws.String("application/json"),
	}); err != nil {
		return nil, fmt.Errorf("uploading manifest for %s: %w", m.Key, err)
	}

	a.checkpoint = to
	a.logger.Info("Security log segment archived",
		zap.String("key", m.Key),
		zap.Int64("from", from),
		zap.Int64("to", to),
		zap.Int64("count", count),
	)

	if a.events != nil {
		if _, err := a.events.Log(ctx, &models.SecurityEvent{
			Type:     models.EventChainArchived,
			Severity: models.SeverityInfo,
			Resource: "s3://" + a.config.Bucket + "/" + m.Key,
			Message:  fmt.Sprintf("security log %d-%d archived", from, to),
			Details: map[string]any{
				"from":      from,
				"to":        to,
				"count":     count,
				"sha256":    m.SHA256,
				"head_hash": m.HeadHash,
			},
		}); err != nil {
			a.logger.Error("Failed to log archive event", zap.Error(err))
		}
	}
	return m, nil
}

// ExportAll exports segments until the checkpoint reaches the head seen at
// the start. The archive events it logs are left for the next run.
func (a *Archiver) ExportAll(ctx context.Context) ([]*Manifest, error) {
	head, err := a.store.LastEvent(ctx)
	if err != nil || head == nil {
		return nil, err
	}
	var out []*Manifest
	for a.Checkpoint() < head.Sequence {
		m, err := a.Export(ctx)
		if err != nil {
			return out, err
		}
		if m == nil {
			break
		}
		out = append(out, m)
	}
	return out, nil
}

// Run exports every interval until ctx is done.
func (a *Archiver) Run(ctx context.Context) {
	ticker := time.NewTicker(a.config.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := a.ExportAll(ctx); err != nil {
				a.logger.Error("Security log archive failed", zap.Error(err))
			}
		}
	}
}

// WriteJSONL writes events from..to as JSON Lines and returns the first and
// last event written.
func WriteJSONL(ctx context.Context, s store.EventStore, w io.Writer, from, to int64) (first, last *models.SecurityEvent, count int64, err error) {
	enc := json.NewEncoder(w)
	err = s.WalkEvents(ctx, from, to, func(ev *models.SecurityEvent) error {
		if first == nil {
			first = ev
		}
		last = ev
		count++
		return enc.Encode(ev)
	})
	if err != nil {
		return nil, nil, 0, fmt.Errorf("exporting events: %w", err)
	}
	return first, last, count, nil
}
