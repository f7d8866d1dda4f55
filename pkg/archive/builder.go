// Package archive packages extracted items into a single tar.gz
// archive with a deterministic, content-addressable identity. Items
// stream straight into the compressed tar as they arrive; the whole
// archive is never materialized in memory. The manifest is embedded as
// the archive's final member, the way participant dataset tarballs
// carry their metadata file.
package archive

import (
	"archive/tar"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	gojson "github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/ajitpratap0/datavault/pkg/errors"
	"github.com/ajitpratap0/datavault/pkg/extract"
	"github.com/ajitpratap0/datavault/pkg/logger"
)

// manifestMember is the archive path of the embedded manifest.
const manifestMember = ".manifest.json"

// ManifestEntry records one item's identity inside the archive.
type ManifestEntry struct {
	Path     string            `json:"path"`
	SHA256   string            `json:"sha256"`
	Size     int64             `json:"size"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Manifest is the ordered record of everything the archive holds.
type Manifest struct {
	JobID     string          `json:"job_id"`
	SourceID  string          `json:"source_id"`
	CreatedAt time.Time       `json:"created_at"`
	Entries   []ManifestEntry `json:"entries"`
}

// Archive is a finalized, immutable package of one job's extracted
// data, spooled on local disk until published or discarded.
type Archive struct {
	// ID is the content-addressed archive identity
	ID       string
	JobID    string
	SourceID string
	Manifest Manifest
	// Size is the archive file length in bytes
	Size int64
	// SHA256 is the hex hash of the archive bytes as written
	SHA256 string

	path string
}

// Open returns a reader over the archive bytes.
func (a *Archive) Open() (io.ReadCloser, error) {
	f, err := os.Open(a.path)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to open archive spool")
	}
	return f, nil
}

// Discard deletes the archive spool file.
func (a *Archive) Discard() error {
	return os.Remove(a.path)
}

// Builder accumulates items into the archive in arrival order.
type Builder struct {
	jobID    string
	sourceID string
	logger   *zap.Logger

	spool *os.File
	gzw   *gzip.Writer
	tw    *tar.Writer

	entries []ManifestEntry
	paths   map[string]struct{}
	done    bool
}

// NewBuilder opens a spool file and the compressed tar writer over it.
func NewBuilder(jobID, sourceID string) (*Builder, error) {
	spool, err := os.CreateTemp("", fmt.Sprintf("datavault-%s-*.tar.gz", sourceID))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to create archive spool")
	}

	gzw := gzip.NewWriter(spool)
	return &Builder{
		jobID:    jobID,
		sourceID: sourceID,
		logger: logger.With(zap.String("component", "archive_builder"),
			zap.String("job_id", jobID)),
		spool:   spool,
		gzw:     gzw,
		tw:      tar.NewWriter(gzw),
		paths:   make(map[string]struct{}),
		entries: make([]ManifestEntry, 0, 16),
	}, nil
}

// Add appends one item to the archive, computing its content hash when
// the extractor did not supply one. Two items claiming the same path
// is a provider protocol bug and fails the build.
func (b *Builder) Add(item *extract.Item) error {
	defer item.Payload.Close()

	if _, dup := b.paths[item.Path]; dup {
		return errors.Newf(errors.ErrorTypeDuplicatePath,
			"two items claim archive path %q", item.Path)
	}
	b.paths[item.Path] = struct{}{}

	payload := item.Payload
	size := item.Size
	sum := item.SHA256

	// tar headers need the size up front; spool unknown-length
	// payloads to disk first.
	var cleanup func()
	if size < 0 {
		spooled, n, computed, err := spoolPayload(payload)
		if err != nil {
			return err
		}
		if sum != "" && sum != computed {
			spooled.Close()
			return errors.Newf(errors.ErrorTypeIntegrityMismatch,
				"item %q content hash %s does not match declared %s", item.Path, computed, sum)
		}
		payload, size, sum = spooled, n, computed
		cleanup = func() { spooled.Close() }
	}
	if cleanup != nil {
		defer cleanup()
	}

	hdr := &tar.Header{
		Name:    b.sourceID + "/" + item.Path,
		Mode:    0o644,
		Size:    size,
		ModTime: time.Unix(0, 0), // fixed for byte-stable output
	}
	if err := b.tw.WriteHeader(hdr); err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "failed to write tar header")
	}

	hasher := sha256.New()
	n, err := io.Copy(io.MultiWriter(b.tw, hasher), payload)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "failed to write archive member")
	}
	if n != size {
		return errors.Newf(errors.ErrorTypeIntegrityMismatch,
			"item %q yielded %d bytes, expected %d", item.Path, n, size)
	}

	computed := hex.EncodeToString(hasher.Sum(nil))
	if sum == "" {
		sum = computed
	} else if sum != computed {
		return errors.Newf(errors.ErrorTypeIntegrityMismatch,
			"item %q content hash %s does not match declared %s", item.Path, computed, sum)
	}

	b.entries = append(b.entries, ManifestEntry{
		Path:     item.Path,
		SHA256:   sum,
		Size:     size,
		Metadata: item.Metadata,
	})
	return nil
}

// Consume drains an extractor stream into the archive. It returns the
// stream's error, if extraction failed.
func (b *Builder) Consume(ctx context.Context, stream *extract.Stream) error {
	items, errs := stream.Items, stream.Errors
	for items != nil || errs != nil {
		select {
		case item, ok := <-items:
			if !ok {
				items = nil
				continue
			}
			if err := b.Add(item); err != nil {
				return err
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				return err
			}
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), errors.ErrorTypeCancelled, "packaging interrupted")
		}
	}
	return nil
}

// Finalize writes the embedded manifest, closes the writers, and
// computes the archive identity: a hash over the source ID, the job ID,
// and the sorted (path, content hash) pairs. Sorting makes the ID
// independent of arrival order, which is not stable across retries.
func (b *Builder) Finalize() (*Archive, error) {
	if b.done {
		return nil, errors.New(errors.ErrorTypeInternal, "archive already finalized")
	}
	b.done = true

	manifest := Manifest{
		JobID:     b.jobID,
		SourceID:  b.sourceID,
		CreatedAt: time.Now().UTC(),
		Entries:   b.entries,
	}

	manifestJSON, err := gojson.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to encode manifest")
	}

	hdr := &tar.Header{
		Name:    b.sourceID + "/" + manifestMember,
		Mode:    0o644,
		Size:    int64(len(manifestJSON)),
		ModTime: time.Unix(0, 0),
	}
	if err := b.tw.WriteHeader(hdr); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to write manifest header")
	}
	if _, err := b.tw.Write(manifestJSON); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to write manifest")
	}

	if err := b.tw.Close(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to close tar stream")
	}
	if err := b.gzw.Close(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to close gzip stream")
	}

	size, sum, err := hashFile(b.spool)
	if err != nil {
		return nil, err
	}
	if err := b.spool.Close(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to close archive spool")
	}

	archive := &Archive{
		ID:       b.identity(),
		JobID:    b.jobID,
		SourceID: b.sourceID,
		Manifest: manifest,
		Size:     size,
		SHA256:   sum,
		path:     b.spool.Name(),
	}

	b.logger.Info("archive finalized",
		zap.String("archive_id", archive.ID),
		zap.Int("items", len(b.entries)),
		zap.Int64("bytes", size))

	return archive, nil
}

// Abort discards the partially built archive.
func (b *Builder) Abort() {
	b.tw.Close()  //nolint:errcheck
	b.gzw.Close() //nolint:errcheck
	b.spool.Close()
	os.Remove(b.spool.Name())
}

// identity hashes the sorted item set. Identical item sets always
// yield the same ID, making re-upload after a retry idempotent.
func (b *Builder) identity() string {
	pairs := make([]string, len(b.entries))
	for i, e := range b.entries {
		pairs[i] = e.Path + "\x00" + e.SHA256
	}
	sort.Strings(pairs)

	hasher := sha256.New()
	fmt.Fprintf(hasher, "%s\x00%s\x00", b.jobID, b.sourceID)
	for _, p := range pairs {
		hasher.Write([]byte(p))
		hasher.Write([]byte{'\n'})
	}
	return hex.EncodeToString(hasher.Sum(nil))
}

// spoolPayload copies an unknown-length payload to a temp file,
// returning a rewound reader, the byte count, and the content hash.
func spoolPayload(r io.Reader) (io.ReadCloser, int64, string, error) {
	f, err := os.CreateTemp("", "datavault-item-*")
	if err != nil {
		return nil, 0, "", errors.Wrap(err, errors.ErrorTypeInternal, "failed to create item spool")
	}

	hasher := sha256.New()
	n, err := io.Copy(io.MultiWriter(f, hasher), r)
	if err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, 0, "", errors.Wrap(err, errors.ErrorTypeInternal, "failed to spool item payload")
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, 0, "", errors.Wrap(err, errors.ErrorTypeInternal, "failed to rewind item spool")
	}

	return &tempReader{f: f}, n, hex.EncodeToString(hasher.Sum(nil)), nil
}

type tempReader struct {
	f *os.File
}

func (r *tempReader) Read(p []byte) (int, error) { return r.f.Read(p) }

func (r *tempReader) Close() error {
	name := r.f.Name()
	err := r.f.Close()
	os.Remove(name)
	return err
}

// hashFile rewinds f, then computes its length and SHA-256.
func hashFile(f *os.File) (int64, string, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return 0, "", errors.Wrap(err, errors.ErrorTypeInternal, "failed to rewind archive spool")
	}
	hasher := sha256.New()
	n, err := io.Copy(hasher, f)
	if err != nil {
		return 0, "", errors.Wrap(err, errors.ErrorTypeInternal, "failed to hash archive")
	}
	return n, hex.EncodeToString(hasher.Sum(nil)), nil
}
