package incident_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/mediagrid/dispatch/pkg/core"
	"github.com/mediagrid/dispatch/pkg/incident"
	"github.com/mediagrid/dispatch/pkg/storage"
)

func newTestLog(t *testing.T) (*incident.Log, *storage.GormStore) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	// in-memory sqlite is per-connection; a second pooled conn would see an empty DB
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	store := storage.NewGormStore(db)
	require.NoError(t, store.Migrate(context.Background()))
	return incident.NewLog(store), store
}

func createJob(t *testing.T, store *storage.GormStore, parent *core.Job) *core.Job {
	t.Helper()
	job := &core.Job{
		JobType:     "encode",
		Operation:   "track",
		Status:      core.StatusRunning,
		ParentJobID: core.NoParent,
		RootJobID:   core.NoParent,
		DateCreated: time.Now(),
	}
	if parent != nil {
		job.ParentJobID = parent.ID
		job.RootJobID = parent.Root()
	}
	require.NoError(t, store.CreateJob(context.Background(), job))
	return job
}

func storeIncident(t *testing.T, log *incident.Log, job *core.Job, severity core.Severity) *core.Incident {
	t.Helper()
	inc, err := log.StoreIncident(context.Background(), job, time.Now(), "encode.1", severity, nil, nil)
	require.NoError(t, err)
	return inc
}

func TestLog_StoreIncident_UnknownJobIsConflict(t *testing.T) {
	log, _ := newTestLog(t)

	ghost := &core.Job{ID: 424242}
	_, err := log.StoreIncident(context.Background(), ghost, time.Now(), "encode.1", core.SeverityFailure, nil, nil)
	assert.ErrorIs(t, err, core.ErrConflict)

	// No dangling record was written.
	incidents, err := log.GetIncidentsOfJobs(context.Background(), []int64{424242})
	require.NoError(t, err)
	assert.Empty(t, incidents[424242])
}

func TestLog_StoreIncident_SecondFailureIsConflict(t *testing.T) {
	log, store := newTestLog(t)
	job := createJob(t, store, nil)

	storeIncident(t, log, job, core.SeverityFailure)

	_, err := log.StoreIncident(context.Background(), job, time.Now(), "encode.2", core.SeverityFailure, nil, nil)
	assert.ErrorIs(t, err, core.ErrConflict)

	// Warnings are still welcome after a failure.
	_, err = log.StoreIncident(context.Background(), job, time.Now(), "encode.3", core.SeverityWarning, nil, nil)
	assert.NoError(t, err)
}

func TestLog_StoreIncident_ValidatesCode(t *testing.T) {
	log, store := newTestLog(t)
	job := createJob(t, store, nil)

	_, err := log.StoreIncident(context.Background(), job, time.Now(), "no-number", core.SeverityWarning, nil, nil)
	assert.ErrorIs(t, err, core.ErrInvalidIncidentCode)
}

func TestLog_StoreIncident_SanitizesDetails(t *testing.T) {
	log, store := newTestLog(t)
	job := createJob(t, store, nil)

	inc, err := log.StoreIncident(context.Background(), job, time.Now(), "encode.1", core.SeverityWarning,
		nil, []core.Detail{{Title: "stderr", Text: "bad\x00bytes"}})
	require.NoError(t, err)
	assert.Equal(t, "badbytes", inc.Details[0].Text)
}

func TestLog_GetIncidentTree_ConcatMatchesDepthFirst(t *testing.T) {
	log, store := newTestLog(t)
	ctx := context.Background()

	root := createJob(t, store, nil)
	c1 := createJob(t, store, root)
	c2 := createJob(t, store, root)
	g1 := createJob(t, store, c1)

	iRoot := storeIncident(t, log, root, core.SeverityWarning)
	iC1 := storeIncident(t, log, c1, core.SeverityWarning)
	iG1 := storeIncident(t, log, g1, core.SeverityFailure)
	iC2 := storeIncident(t, log, c2, core.SeverityInfo)

	tree, err := log.GetIncidentTreeOfJob(ctx, root.ID)
	require.NoError(t, err)

	// Parent incidents come before children's, siblings in creation
	// order.
	flat := tree.Concat()
	require.Len(t, flat, 4)
	assert.Equal(t, iRoot.ID, flat[0].ID)
	assert.Equal(t, iC1.ID, flat[1].ID)
	assert.Equal(t, iG1.ID, flat[2].ID)
	assert.Equal(t, iC2.ID, flat[3].ID)

	_, err = log.GetIncidentTreeOfJob(ctx, 9999)
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestLog_GetIncidentsOfJob_OwnOnly(t *testing.T) {
	log, store := newTestLog(t)
	ctx := context.Background()

	root := createJob(t, store, nil)
	child := createJob(t, store, root)
	storeIncident(t, log, root, core.SeverityWarning)
	storeIncident(t, log, child, core.SeverityFailure)

	own, err := log.GetIncidentsOfJob(ctx, root.ID)
	require.NoError(t, err)
	assert.Len(t, own, 1)

	_, err = log.GetIncidentsOfJob(ctx, 9999)
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestLog_GetIncidentsOfJobs_Batch(t *testing.T) {
	log, store := newTestLog(t)
	ctx := context.Background()

	j1 := createJob(t, store, nil)
	j2 := createJob(t, store, nil)
	storeIncident(t, log, j1, core.SeverityWarning)

	batch, err := log.GetIncidentsOfJobs(ctx, []int64{j1.ID, j2.ID})
	require.NoError(t, err)
	assert.Len(t, batch[j1.ID], 1)
	assert.Empty(t, batch[j2.ID])
}

func TestLog_Localization_SubstitutionAndFallback(t *testing.T) {
	log, store := newTestLog(t)
	ctx := context.Background()
	job := createJob(t, store, nil)

	log.RegisterLocalization("en", "encode.1", core.Localization{
		Title:       "Encoding failed",
		Description: "Could not encode {file} on {host}",
	})
	log.RegisterLocalization("de", "encode.1", core.Localization{
		Title:       "Kodierung fehlgeschlagen",
		Description: "Datei {file} konnte nicht kodiert werden",
	})

	inc, err := log.StoreIncident(ctx, job, time.Now(), "encode.1", core.SeverityFailure,
		map[string]string{"file": "a.mp4", "host": "h1"}, nil)
	require.NoError(t, err)

	loc, err := log.GetLocalization(ctx, inc.ID, "de")
	require.NoError(t, err)
	assert.Equal(t, "Datei a.mp4 konnte nicht kodiert werden", loc.Description)

	// An unknown locale falls back to English.
	loc, err = log.GetLocalization(ctx, inc.ID, "fr")
	require.NoError(t, err)
	assert.Equal(t, "Could not encode a.mp4 on h1", loc.Description)

	// An unknown code degrades to the raw code.
	raw, err := log.StoreIncident(ctx, job, time.Now(), "encode.99", core.SeverityWarning, nil, nil)
	require.NoError(t, err)
	loc, err = log.GetLocalization(ctx, raw.ID, "en")
	require.NoError(t, err)
	assert.Equal(t, "encode.99", loc.Title)

	_, err = log.GetLocalization(ctx, 9999, "en")
	assert.ErrorIs(t, err, core.ErrNotFound)
}
