package audit

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/permitd/pkg/observability"
)

var archiveTracer = observability.Tracer("audit")

// ObjectPutter is the part of the S3 API the archiver uses
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// ArchiveConfig configures the S3 archive of audit events
type ArchiveConfig struct {
	Bucket       string
	Prefix       string
	Region       string
	Endpoint     string // for MinIO and other S3 compatible stores
	AccessKey    string
	SecretKey    string
	UsePathStyle bool
	// Period is the span of events per object
	Period time.Duration
}

// NewS3Client builds an S3 client from cfg. Without static keys the default
// credential chain is used.
func NewS3Client(ctx context.Context, cfg ArchiveConfig) (*s3.Client, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsConfig, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	}), nil
}

// Archiver copies audit events to object storage, one NDJSON object per
// period. Objects are keyed by period start, so archiving a period twice
// overwrites the earlier copy.
type Archiver struct {
	reader Reader
	client ObjectPutter
	bucket string
	prefix string
	period time.Duration
	log    *logrus.Logger
	now    func() time.Time
}

// NewArchiver creates an Archiver reading from reader
func NewArchiver(reader Reader, client ObjectPutter, cfg ArchiveConfig, log *logrus.Logger) *Archiver {
	if cfg.Period <= 0 {
		cfg.Period = time.Hour
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "audit"
	}
	if log == nil {
		log = logrus.New()
	}
	return &Archiver{
		reader: reader,
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		period: cfg.Period,
		log:    log,
		now:    time.Now,
	}
}

// ArchivePrevious archives the last complete period
func (a *Archiver) ArchivePrevious(ctx context.Context) (int, error) {
	end := a.now().UTC().Truncate(a.period)
	return a.Archive(ctx, end.Add(-a.period))
}

// Archive uploads the events of the period starting at start and returns how
// many were written. An empty period writes nothing.
func (a *Archiver) Archive(ctx context.Context, start time.Time) (int, error) {
	start = start.UTC().Truncate(a.period)
	end := start.Add(a.period - time.Nanosecond)
	key := a.Key(start)

	ctx, span := archiveTracer.Start(ctx, "audit.Archive",
		trace.WithAttributes(
			attribute.String("s3.bucket", a.bucket),
			attribute.String("s3.key", key),
		),
	)
	defer span.End()

	events, err := a.reader.Search(ctx, SearchFilter{StartTime: &start, EndTime: &end})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "search failed")
		return 0, fmt.Errorf("failed to read audit events: %w", err)
	}
	if len(events) == 0 {
		return 0, nil
	}

	// Search returns newest first; the archive reads oldest first.
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}

	data, err := Export(events, ExportFormatNDJSON)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	hash := sha256.Sum256(data)
	span.SetAttributes(attribute.Int("audit.events", len(events)), attribute.Int("content.size", len(data)))

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(ExportFormatNDJSON.ContentType()),
		Metadata: map[string]string{
			"checksum-sha256": hex.EncodeToString(hash[:]),
			"event-count":     fmt.Sprint(len(events)),
		},
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "upload failed")
		return 0, fmt.Errorf("failed to upload %s: %w", key, err)
	}

	a.log.WithFields(logrus.Fields{"key": key, "events": len(events)}).Info("Archived audit events")
	span.SetStatus(codes.Ok, "archived")
	return len(events), nil
}

// Key returns the object key for the period starting at start
func (a *Archiver) Key(start time.Time) string {
	return path.Join(a.prefix, start.UTC().Format("2006/01/02/150405")+".ndjson")
}
