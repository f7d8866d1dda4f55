package archive

import (
	"archive/tar"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"strings"
	"testing"

	gojson "github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/datavault/pkg/errors"
	"github.com/ajitpratap0/datavault/pkg/extract"
)

func textItem(path, body string) *extract.Item {
	sum := sha256.Sum256([]byte(body))
	return &extract.Item{
		Path:    path,
		Payload: io.NopCloser(strings.NewReader(body)),
		SHA256:  hex.EncodeToString(sum[:]),
		Size:    int64(len(body)),
	}
}

func buildArchive(t *testing.T, jobID string, items ...*extract.Item) *Archive {
	t.Helper()
	b, err := NewBuilder(jobID, "fitbit")
	require.NoError(t, err)
	for _, item := range items {
		require.NoError(t, b.Add(item))
	}
	a, err := b.Finalize()
	require.NoError(t, err)
	t.Cleanup(func() { a.Discard() })
	return a
}

func TestBuilder_IdentityIsOrderIndependent(t *testing.T) {
	forward := buildArchive(t, "job-1",
		textItem("steps/2024-01-01.json", `{"steps":100}`),
		textItem("steps/2024-01-02.json", `{"steps":200}`),
		textItem("sleep/2024-01-01.json", `{"hours":8}`))

	reversed := buildArchive(t, "job-1",
		textItem("sleep/2024-01-01.json", `{"hours":8}`),
		textItem("steps/2024-01-02.json", `{"steps":200}`),
		textItem("steps/2024-01-01.json", `{"steps":100}`))

	assert.Equal(t, forward.ID, reversed.ID,
		"same item set in a different arrival order must produce the same archive ID")

	otherJob := buildArchive(t, "job-2",
		textItem("steps/2024-01-01.json", `{"steps":100}`),
		textItem("steps/2024-01-02.json", `{"steps":200}`),
		textItem("sleep/2024-01-01.json", `{"hours":8}`))
	assert.NotEqual(t, forward.ID, otherJob.ID)

	otherContent := buildArchive(t, "job-1",
		textItem("steps/2024-01-01.json", `{"steps":100}`),
		textItem("steps/2024-01-02.json", `{"steps":999}`),
		textItem("sleep/2024-01-01.json", `{"hours":8}`))
	assert.NotEqual(t, forward.ID, otherContent.ID)
}

func TestBuilder_DuplicatePath(t *testing.T) {
	b, err := NewBuilder("job-1", "fitbit")
	require.NoError(t, err)
	defer b.Abort()

	require.NoError(t, b.Add(textItem("a.json", "one")))
	err = b.Add(textItem("a.json", "two"))
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeDuplicatePath))
}

func TestBuilder_IntegrityChecks(t *testing.T) {
	t.Run("declared hash mismatch", func(t *testing.T) {
		b, err := NewBuilder("job-1", "fitbit")
		require.NoError(t, err)
		defer b.Abort()

		item := textItem("a.json", "payload")
		item.SHA256 = strings.Repeat("0", 64)
		err = b.Add(item)
		require.Error(t, err)
		assert.True(t, errors.IsType(err, errors.ErrorTypeIntegrityMismatch))
	})

	t.Run("declared size mismatch", func(t *testing.T) {
		b, err := NewBuilder("job-1", "fitbit")
		require.NoError(t, err)
		defer b.Abort()

		item := textItem("a.json", "payload")
		item.Size = 100
		err = b.Add(item)
		require.Error(t, err)
		assert.True(t, errors.IsType(err, errors.ErrorTypeIntegrityMismatch))
	})

	t.Run("unknown size is computed while spooling", func(t *testing.T) {
		item := &extract.Item{
			Path:    "a.json",
			Payload: io.NopCloser(strings.NewReader("payload")),
			Size:    -1,
		}
		a := buildArchive(t, "job-1", item)
		require.Len(t, a.Manifest.Entries, 1)
		assert.EqualValues(t, 7, a.Manifest.Entries[0].Size)
		assert.NotEmpty(t, a.Manifest.Entries[0].SHA256)
	})
}

func TestBuilder_ManifestIsFinalMember(t *testing.T) {
	a := buildArchive(t, "job-1",
		textItem("steps/2024-01-01.json", `{"steps":100}`),
		textItem("sleep/2024-01-01.json", `{"hours":8}`))

	rc, err := a.Open()
	require.NoError(t, err)
	defer rc.Close()

	gzr, err := gzip.NewReader(rc)
	require.NoError(t, err)
	tr := tar.NewReader(gzr)

	var names []string
	var manifestJSON []byte
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		names = append(names, hdr.Name)
		if strings.HasSuffix(hdr.Name, manifestMember) {
			manifestJSON, err = io.ReadAll(tr)
			require.NoError(t, err)
		}
	}

	require.Equal(t, []string{
		"fitbit/steps/2024-01-01.json",
		"fitbit/sleep/2024-01-01.json",
		"fitbit/" + manifestMember,
	}, names, "manifest must be the final archive member")

	var m Manifest
	require.NoError(t, gojson.Unmarshal(manifestJSON, &m))
	assert.Equal(t, "job-1", m.JobID)
	assert.Equal(t, "fitbit", m.SourceID)
	require.Len(t, m.Entries, 2)
	assert.Equal(t, "steps/2024-01-01.json", m.Entries[0].Path)
}

func TestBuilder_Consume(t *testing.T) {
	t.Run("drains items then errors channel close", func(t *testing.T) {
		items := make(chan *extract.Item, 2)
		errs := make(chan error)
		items <- textItem("a.json", "one")
		items <- textItem("b.json", "two")
		close(items)
		close(errs)

		b, err := NewBuilder("job-1", "fitbit")
		require.NoError(t, err)
		require.NoError(t, b.Consume(context.Background(), &extract.Stream{Items: items, Errors: errs}))

		a, err := b.Finalize()
		require.NoError(t, err)
		defer a.Discard()
		assert.Len(t, a.Manifest.Entries, 2)
	})

	t.Run("propagates stream error", func(t *testing.T) {
		items := make(chan *extract.Item)
		errs := make(chan error, 1)
		errs <- errors.New(errors.ErrorTypeTransientProvider, "provider hiccup")
		close(errs)
		close(items)

		b, err := NewBuilder("job-1", "fitbit")
		require.NoError(t, err)
		defer b.Abort()

		err = b.Consume(context.Background(), &extract.Stream{Items: items, Errors: errs})
		require.Error(t, err)
		assert.True(t, errors.IsType(err, errors.ErrorTypeTransientProvider))
	})

	t.Run("cancelled context interrupts", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		b, err := NewBuilder("job-1", "fitbit")
		require.NoError(t, err)
		defer b.Abort()

		err = b.Consume(ctx, &extract.Stream{
			Items:  make(chan *extract.Item),
			Errors: make(chan error),
		})
		require.Error(t, err)
		assert.True(t, errors.IsType(err, errors.ErrorTypeCancelled))
	})
}

func TestBuilder_FinalizeTwice(t *testing.T) {
	b, err := NewBuilder("job-1", "fitbit")
	require.NoError(t, err)

	a, err := b.Finalize()
	require.NoError(t, err)
	defer a.Discard()

	_, err = b.Finalize()
	require.Error(t, err)
}
