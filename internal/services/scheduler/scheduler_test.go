package scheduler

import (
	"context"
	"testing"

	"github.com/bobmcallan/herder/internal/common"
	"github.com/bobmcallan/herder/internal/interfaces"
	"github.com/bobmcallan/herder/internal/models"
)

// fakeArchiveStore records sweep invocations.
type fakeArchiveStore struct {
	archiveCalls []int
	purgeCalls   []int
}

func (f *fakeArchiveStore) ArchiveOld(_ context.Context, olderThanDays int) int {
	f.archiveCalls = append(f.archiveCalls, olderThanDays)
	return 3
}

func (f *fakeArchiveStore) PurgeArchive(_ context.Context, olderThanDays int) int {
	f.purgeCalls = append(f.purgeCalls, olderThanDays)
	return 1
}

func (f *fakeArchiveStore) List(context.Context, int, int) ([]*models.ArchivedJob, int, error) {
	return nil, 0, nil
}

func (f *fakeArchiveStore) Analytics(context.Context, bool) (*models.JobAnalytics, error) {
	return nil, nil
}

var _ interfaces.ArchiveStore = (*fakeArchiveStore)(nil)

// fakeStorage serves only the archive store; the sweep touches nothing else.
type fakeStorage struct {
	archive *fakeArchiveStore
}

func (f *fakeStorage) JobStore() interfaces.JobStore           { return nil }
func (f *fakeStorage) ArchiveStore() interfaces.ArchiveStore   { return f.archive }
func (f *fakeStorage) SnapshotStore() interfaces.SnapshotStore { return nil }
func (f *fakeStorage) InternalStore() interfaces.InternalStore { return nil }
func (f *fakeStorage) Close() error                            { return nil }

var _ interfaces.StorageManager = (*fakeStorage)(nil)

func sweepScheduler(archive *fakeArchiveStore, retentionDays, archiveRetentionDays int) *Scheduler {
	config := common.NewDefaultConfig()
	config.Scheduler.RetentionDays = retentionDays
	config.Scheduler.ArchiveRetentionDays = archiveRetentionDays
	return &Scheduler{
		config:  config,
		storage: &fakeStorage{archive: archive},
		logger:  common.NewSilentLogger(),
		ctx:     context.Background(),
	}
}

func TestScheduler_ArchiveSweep(t *testing.T) {
	archive := &fakeArchiveStore{}
	s := sweepScheduler(archive, 30, 365)

	s.runArchiveSweep()

	if len(archive.archiveCalls) != 1 || archive.archiveCalls[0] != 30 {
		t.Errorf("expected one archive sweep at 30 days, got %v", archive.archiveCalls)
	}
	if len(archive.purgeCalls) != 1 || archive.purgeCalls[0] != 365 {
		t.Errorf("expected one purge at 365 days, got %v", archive.purgeCalls)
	}
}

func TestScheduler_ArchiveSweep_PurgeDisabled(t *testing.T) {
	archive := &fakeArchiveStore{}
	s := sweepScheduler(archive, 30, 0)

	s.runArchiveSweep()

	if len(archive.archiveCalls) != 1 {
		t.Errorf("expected archive sweep to run, got %v", archive.archiveCalls)
	}
	if len(archive.purgeCalls) != 0 {
		t.Errorf("expected purge skipped when retention is 0, got %v", archive.purgeCalls)
	}
}
