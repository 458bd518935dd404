package tasks

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/yungbote/vidmsg/internal/domain"
	verrors "github.com/yungbote/vidmsg/internal/pkg/errors"
	"github.com/yungbote/vidmsg/internal/platform/clock"
)

func newTestRegistry(t *testing.T) (*Registry, *clock.Fake) {
	t.Helper()
	fake := clock.NewFake(time.Unix(0, 0))
	return New(time.Hour, nil, fake, nil), fake
}

func TestRegisterFailsOnDuplicateID(t *testing.T) {
	r, _ := newTestRegistry(t)
	id := uuid.New()
	require.NoError(t, r.Register(id, &domain.Task{Stage: domain.StageInitialized}))
	err := r.Register(id, &domain.Task{Stage: domain.StageInitialized})
	require.Error(t, err)
	require.Equal(t, verrors.KindInvalidInput, verrors.KindOf(err))
}

func TestUpdateAdvancesExactlyOneStage(t *testing.T) {
	r, _ := newTestRegistry(t)
	id := uuid.New()
	require.NoError(t, r.Register(id, &domain.Task{Stage: domain.StageInitialized}))

	got, err := r.Update(id, func(t *domain.Task) (*domain.Task, error) {
		t.Stage = domain.StageUpload
		t.Progress = 20
		return t, nil
	})
	require.NoError(t, err)
	require.Equal(t, domain.StageUpload, got.Stage)
	require.Equal(t, 20, got.Progress)
}

func TestUpdateRejectsSkippingAStage(t *testing.T) {
	r, _ := newTestRegistry(t)
	id := uuid.New()
	require.NoError(t, r.Register(id, &domain.Task{Stage: domain.StageInitialized}))

	_, err := r.Update(id, func(t *domain.Task) (*domain.Task, error) {
		t.Stage = domain.StageDetection // skips "upload"
		t.Progress = 25
		return t, nil
	})
	require.Error(t, err)
	require.Equal(t, verrors.KindInvalidInput, verrors.KindOf(err))
}

func TestUpdateRejectsReenteringAnEarlierStage(t *testing.T) {
	r, _ := newTestRegistry(t)
	id := uuid.New()
	require.NoError(t, r.Register(id, &domain.Task{Stage: domain.StageInitialized}))
	_, err := r.Update(id, func(t *domain.Task) (*domain.Task, error) {
		t.Stage, t.Progress = domain.StageUpload, 20
		return t, nil
	})
	require.NoError(t, err)

	_, err = r.Update(id, func(t *domain.Task) (*domain.Task, error) {
		t.Stage, t.Progress = domain.StageInitialized, 0
		return t, nil
	})
	require.Error(t, err)
}

func TestUpdateAllowsProgressWithinSameStage(t *testing.T) {
	r, _ := newTestRegistry(t)
	id := uuid.New()
	require.NoError(t, r.Register(id, &domain.Task{Stage: domain.StageDetection, Progress: 25}))

	got, err := r.Update(id, func(t *domain.Task) (*domain.Task, error) {
		t.Progress = 35
		return t, nil
	})
	require.NoError(t, err)
	require.Equal(t, 35, got.Progress)
}

func TestUpdateRejectsProgressRegression(t *testing.T) {
	r, _ := newTestRegistry(t)
	id := uuid.New()
	require.NoError(t, r.Register(id, &domain.Task{Stage: domain.StageDetection, Progress: 35}))

	_, err := r.Update(id, func(t *domain.Task) (*domain.Task, error) {
		t.Progress = 30
		return t, nil
	})
	require.Error(t, err)
}

func TestAnyStageMayTransitionToFailed(t *testing.T) {
	r, _ := newTestRegistry(t)
	id := uuid.New()
	require.NoError(t, r.Register(id, &domain.Task{Stage: domain.StageBackgroundRemoval, Progress: 55}))

	got, err := r.Update(id, func(t *domain.Task) (*domain.Task, error) {
		t.Stage = domain.StageFailed
		t.ErrorKind = string(verrors.KindEngineError)
		return t, nil
	})
	require.NoError(t, err)
	require.Equal(t, domain.StageFailed, got.Stage)
	require.NotNil(t, got.FinishedAt)
}

func TestTerminalRecordIsFrozen(t *testing.T) {
	r, _ := newTestRegistry(t)
	id := uuid.New()
	require.NoError(t, r.Register(id, &domain.Task{Stage: domain.StageCompleted, Progress: 100}))

	_, err := r.Update(id, func(t *domain.Task) (*domain.Task, error) {
		t.Progress = 100
		return t, nil
	})
	require.Error(t, err)
}

func TestMarkCanceledIsIdempotentAndIgnoresTerminalRecords(t *testing.T) {
	r, _ := newTestRegistry(t)
	id := uuid.New()
	require.NoError(t, r.Register(id, &domain.Task{Stage: domain.StageUpload}))

	require.NoError(t, r.MarkCanceled(id))
	require.NoError(t, r.MarkCanceled(id)) // idempotent

	got, err := r.Get(id)
	require.NoError(t, err)
	require.True(t, got.Canceled)

	terminalID := uuid.New()
	require.NoError(t, r.Register(terminalID, &domain.Task{Stage: domain.StageFailed}))
	require.NoError(t, r.MarkCanceled(terminalID)) // no-op, not an error
}

func TestPurgeRequiresTerminalAndGracePeriod(t *testing.T) {
	r, fake := newTestRegistry(t)
	id := uuid.New()
	require.NoError(t, r.Register(id, &domain.Task{Stage: domain.StageUpload}))

	require.Error(t, r.Purge(id), "non-terminal record must not be purgeable")

	_, err := r.Update(id, func(t *domain.Task) (*domain.Task, error) {
		t.Stage = domain.StageFailed
		return t, nil
	})
	require.NoError(t, err)

	require.Error(t, r.Purge(id), "grace period has not elapsed yet")

	fake.Advance(2 * time.Hour)
	require.NoError(t, r.Purge(id))

	_, err = r.Get(id)
	require.Error(t, err)
}

func TestIsNonTerminalReflectsLiveState(t *testing.T) {
	r, _ := newTestRegistry(t)
	id := uuid.New()
	require.NoError(t, r.Register(id, &domain.Task{Stage: domain.StageUpload}))
	require.True(t, r.IsNonTerminal(id))

	_, err := r.Update(id, func(t *domain.Task) (*domain.Task, error) {
		t.Stage = domain.StageFailed
		return t, nil
	})
	require.NoError(t, err)
	require.False(t, r.IsNonTerminal(id))

	require.False(t, r.IsNonTerminal(uuid.New()), "unknown task must not block cleanup")
}
