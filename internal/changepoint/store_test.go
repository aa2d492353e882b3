package changepoint

import (
	stderrors "errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bartulem/usv-playpen/internal/errors"
	"github.com/bartulem/usv-playpen/pkg/types"
)

func int64Ptr(v int64) *int64 { return &v }

func TestSpanJSONRoundTrip(t *testing.T) {
	rec := NewRecord("20260830_093000", "18194824122")
	rec.SessionStartEnd = &Span{Start: 0, End: 9000000}
	rec.TrackingStartEnd = &Span{Start: 200341, End: 8750000}

	store := NewStore(t.TempDir())
	_, err := store.Upsert(rec)
	require.NoError(t, err)

	// The spans land on disk as two-element arrays.
	data, err := os.ReadFile(store.Path(rec.SessionID, rec.DeviceSerial))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"session_start_end": [`)

	loaded, err := store.Load(rec.SessionID, rec.DeviceSerial)
	require.NoError(t, err)
	assert.Equal(t, Span{Start: 200341, End: 8750000}, *loaded.TrackingStartEnd)
	assert.Equal(t, int64(8549659), loaded.TrackingStartEnd.Len())
}

func TestLoadMissingRecord(t *testing.T) {
	store := NewStore(t.TempDir())

	_, err := store.Load("nosuch", "18194824122")
	assert.True(t, stderrors.Is(err, types.ErrRecordNotFound))
	assert.Equal(t, errors.CodeRecordNotFound, errors.GetCode(err))
}

func TestLoadCorruptRecord(t *testing.T) {
	store := NewStore(t.TempDir())
	path := store.Path("s1", "probe0")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := store.Load("s1", "probe0")
	assert.True(t, stderrors.Is(err, types.ErrCorruptRecord))
	assert.Equal(t, errors.CodeCorruptRecord, errors.GetCode(err))
}

func TestLoadRejectsFutureSchema(t *testing.T) {
	store := NewStore(t.TempDir())
	path := store.Path("s1", "probe0")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	body := `{"schema_version": 99, "session_id": "s1", "device_serial": "probe0"}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	_, err := store.Load("s1", "probe0")
	assert.Equal(t, errors.CodeCorruptRecord, errors.GetCode(err))
}

func TestUpsertCreatesThenMerges(t *testing.T) {
	store := NewStore(t.TempDir())

	// Step 1: decode writes the tracking window and break duration.
	first := NewRecord("s1", "probe0")
	first.RootDirectory = "/data/s1"
	first.TotalChannels = 385
	first.TrackingStartEnd = &Span{Start: 200341, End: 8750000}
	first.LargestBreakDuration = int64Ptr(139341)
	_, err := store.Upsert(first)
	require.NoError(t, err)

	// Step 2: validation attaches a divergence report; nothing else in
	// the update, so everything from step 1 survives.
	second := NewRecord("s1", "probe0")
	second.Divergence = &types.DivergenceReport{
		ExpectedDuration: 285.0,
		ObservedDuration: 285.004,
		DiscrepancyMS:    4.0,
		ToleranceMS:      12.0,
		Passed:           true,
	}
	merged, err := store.Upsert(second)
	require.NoError(t, err)

	assert.Equal(t, "/data/s1", merged.RootDirectory)
	assert.Equal(t, 385, merged.TotalChannels)
	assert.Equal(t, Span{Start: 200341, End: 8750000}, *merged.TrackingStartEnd)
	assert.Equal(t, int64(139341), *merged.LargestBreakDuration)
	require.NotNil(t, merged.Divergence)
	assert.True(t, merged.Divergence.Passed)
}

func TestUpsertConcatShiftsTracking(t *testing.T) {
	store := NewStore(t.TempDir())

	first := NewRecord("s1", "probe0")
	first.SessionStartEnd = &Span{Start: 0, End: 9000000}
	first.TrackingStartEnd = &Span{Start: 200341, End: 8750000}
	_, err := store.Upsert(first)
	require.NoError(t, err)

	// Concatenation prepends an earlier recording: this sub-session now
	// starts at sample 9000000. Tracking must follow it.
	concat := NewRecord("s1", "probe0")
	concat.SessionStartEnd = &Span{Start: 9000000, End: 18000000}
	merged, err := store.Upsert(concat)
	require.NoError(t, err)

	assert.Equal(t, Span{Start: 9000000, End: 18000000}, *merged.SessionStartEnd)
	assert.Equal(t, Span{Start: 9200341, End: 17750000}, *merged.TrackingStartEnd)
}

func TestUpsertExplicitTrackingIsNotShifted(t *testing.T) {
	store := NewStore(t.TempDir())

	first := NewRecord("s1", "probe0")
	first.SessionStartEnd = &Span{Start: 0, End: 9000000}
	first.TrackingStartEnd = &Span{Start: 200341, End: 8750000}
	_, err := store.Upsert(first)
	require.NoError(t, err)

	update := NewRecord("s1", "probe0")
	update.SessionStartEnd = &Span{Start: 9000000, End: 18000000}
	update.TrackingStartEnd = &Span{Start: 9300000, End: 17000000}
	merged, err := store.Upsert(update)
	require.NoError(t, err)

	// An update that recomputes tracking itself wins over the shift.
	assert.Equal(t, Span{Start: 9300000, End: 17000000}, *merged.TrackingStartEnd)
}

func TestUpsertRejectsIdentityMismatchAndMissingIdentity(t *testing.T) {
	store := NewStore(t.TempDir())

	_, err := store.Upsert(&Record{SchemaVersion: SchemaVersion})
	assert.Equal(t, errors.CodeCorruptRecord, errors.GetCode(err))
}

func TestMergeIdentityConflict(t *testing.T) {
	rec := NewRecord("s1", "probe0")
	err := rec.Merge(NewRecord("s2", "probe0"))
	assert.Equal(t, errors.CodeRecordConflict, errors.GetCode(err))

	err = rec.Merge(NewRecord("s1", "probe1"))
	assert.Equal(t, errors.CodeRecordConflict, errors.GetCode(err))
}

func TestUpsertIsIdempotent(t *testing.T) {
	store := NewStore(t.TempDir())

	rec := NewRecord("s1", "probe0")
	rec.TrackingStartEnd = &Span{Start: 100, End: 200}
	a, err := store.Upsert(rec)
	require.NoError(t, err)
	b, err := store.Upsert(rec)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestValidateRejectsMalformedSpans(t *testing.T) {
	rec := NewRecord("s1", "probe0")
	rec.TrackingStartEnd = &Span{Start: 500, End: 500}
	assert.Error(t, rec.Validate())

	rec = NewRecord("s1", "probe0")
	rec.SessionStartEnd = &Span{Start: -1, End: 100}
	assert.Error(t, rec.Validate())

	rec = NewRecord("s1", "probe0")
	rec.LargestBreakDuration = int64Ptr(0)
	assert.Error(t, rec.Validate())
}
