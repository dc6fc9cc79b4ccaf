package maintsched

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/ingat/pkg/memory"
)

func newTestService(t *testing.T) (*Service, *memory.Engine) {
	t.Helper()

	engine, err := memory.New(memory.Config{
		DBPath:            filepath.Join(t.TempDir(), "test.db"),
		Logger:            zerolog.Nop(),
		EmbeddingProvider: memory.NewMockEmbeddingProvider(32),
	})
	require.NoError(t, err)
	t.Cleanup(func() { engine.Close() })

	svc, err := NewService(Options{
		Engine:        engine,
		Logger:        zerolog.Nop(),
		CronExpr:      "0 4 * * *",
		IntervalHours: 24,
	})
	require.NoError(t, err)
	return svc, engine
}

func TestNewService_Validation(t *testing.T) {
	_, err := NewService(Options{})
	assert.Error(t, err)

	engine, err := memory.New(memory.Config{
		DBPath: filepath.Join(t.TempDir(), "test.db"),
		Logger: zerolog.Nop(),
	})
	require.NoError(t, err)
	defer engine.Close()

	_, err = NewService(Options{Engine: engine, CronExpr: "not a cron expr"})
	assert.Error(t, err)

	// Defaults fill in when omitted
	svc, err := NewService(Options{Engine: engine})
	require.NoError(t, err)
	assert.NotNil(t, svc)
}

func TestService_RunNow(t *testing.T) {
	svc, engine := newTestService(t)
	ctx := context.Background()

	_, err := engine.Save(ctx, "owner-1", "notes from the roadmap discussion", memory.TypeConversation, nil)
	require.NoError(t, err)

	svc.Register("owner-1")
	svc.RunNow(ctx)

	// The pass ran and left its marker behind
	res, err := engine.ScheduledMaintenance(ctx, "owner-1", 24, false)
	require.NoError(t, err)
	assert.False(t, res.Ran)
	assert.Equal(t, "interval not elapsed", res.Reason)
}

func TestService_UnregisteredOwnerSkipped(t *testing.T) {
	svc, engine := newTestService(t)
	ctx := context.Background()

	svc.Register("owner-1")
	svc.Unregister("owner-1")
	svc.RunNow(ctx)

	// No marker: a gated run still executes
	res, err := engine.ScheduledMaintenance(ctx, "owner-1", 24, false)
	require.NoError(t, err)
	assert.True(t, res.Ran)
}

func TestService_StartStop(t *testing.T) {
	svc, _ := newTestService(t)

	assert.True(t, svc.NextRun().IsZero())

	svc.Start()
	next := svc.NextRun()
	assert.False(t, next.IsZero())
	assert.True(t, next.After(time.Now()))

	// Idempotent start keeps the same entry
	svc.Start()
	assert.Equal(t, next, svc.NextRun())

	svc.Stop()
	// Second stop is a no-op
	svc.Stop()
	assert.True(t, svc.NextRun().IsZero())
}
