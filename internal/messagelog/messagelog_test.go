package messagelog

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/agentdesk/internal/apperr"
	"github.com/joescharf/agentdesk/internal/models"
	"github.com/joescharf/agentdesk/internal/notify"
	"github.com/joescharf/agentdesk/internal/sessions"
	"github.com/joescharf/agentdesk/internal/store"
)

type fixture struct {
	log      *Log
	store    *store.SQLiteStore
	registry *sessions.Registry
	session  *models.Session
	clock    *time.Time
}

func setup(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })

	clock := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	f := &fixture{store: s, clock: &clock}
	f.registry = sessions.NewRegistry(s, sessions.WithClock(func() time.Time { return *f.clock }))
	f.session, err = f.registry.Create(context.Background(), sessions.CreateOptions{Name: "demo"})
	require.NoError(t, err)
	f.log = New(s, f.registry, opts...)
	return f
}

func text(s string) []models.ContentBlock {
	return []models.ContentBlock{models.TextBlock(s)}
}

func TestAppend_DedupByExternalID(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	id1, err := f.log.Append(ctx, f.session.ID, Record{ExternalID: "x", Type: models.MessageTypeAssistant, Content: text("hi")})
	require.NoError(t, err)

	cost := 0.02
	id2, err := f.log.Append(ctx, f.session.ID, Record{ExternalID: "x", Type: models.MessageTypeAssistant, Content: text("hello"), Cost: &cost, Model: "claude-sonnet"})
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	msgs, err := f.log.List(ctx, f.session.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello", msgs[0].PlainText())
	require.NotNil(t, msgs[0].Cost)
	assert.InDelta(t, 0.02, *msgs[0].Cost, 1e-9)
	assert.Equal(t, "claude-sonnet", msgs[0].Model)
}

func TestAppend_NoExternalIDAlwaysInserts(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	a, err := f.log.Append(ctx, f.session.ID, Record{Type: models.MessageTypeSystem, Content: text("started")})
	require.NoError(t, err)
	b, err := f.log.Append(ctx, f.session.ID, Record{Type: models.MessageTypeSystem, Content: text("started")})
	require.NoError(t, err)
	assert.NotEqual(t, a, b)

	msgs, err := f.log.List(ctx, f.session.ID)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}

func TestAppend_Validation(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	_, err := f.log.Append(ctx, f.session.ID, Record{Type: "bogus"})
	assert.True(t, errors.Is(err, apperr.ErrInvalidArgument))

	_, err = f.log.Append(ctx, "missing", Record{Type: models.MessageTypeUser})
	assert.True(t, errors.Is(err, apperr.ErrNotFound))

	cost := 0.01
	_, err = f.log.Append(ctx, f.session.ID, Record{Type: models.MessageTypeSystem, Cost: &cost})
	assert.True(t, errors.Is(err, apperr.ErrInvalidArgument))
	_, err = f.log.Append(ctx, f.session.ID, Record{Type: models.MessageTypeUser, Model: "claude-sonnet"})
	assert.True(t, errors.Is(err, apperr.ErrInvalidArgument))

	msgs, err := f.log.List(ctx, f.session.ID)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

// removingStore deletes the session right after the log has looked it up.
type removingStore struct {
	*store.SQLiteStore
	once   sync.Once
	remove func()
}

func (r *removingStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	sess, err := r.SQLiteStore.GetSession(ctx, id)
	r.once.Do(r.remove)
	return sess, err
}

func TestAppend_SessionRemovedAfterLookup(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	rs := &removingStore{SQLiteStore: f.store}
	rs.remove = func() { require.NoError(t, f.registry.Remove(ctx, f.session.ID)) }
	log := New(rs, nil)

	_, err := log.Append(ctx, f.session.ID, Record{ExternalID: "late", Type: models.MessageTypeAssistant})
	assert.True(t, errors.Is(err, apperr.ErrNotFound), "got %v", err)

	msgs, err := f.store.ListMessages(ctx, f.session.ID)
	require.NoError(t, err)
	assert.Empty(t, msgs, "no message may outlive its session")
}

func TestAppend_TouchesActivity(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	*f.clock = f.clock.Add(10 * time.Minute)
	_, err := f.log.Append(ctx, f.session.ID, Record{Type: models.MessageTypeUser, Content: text("go")})
	require.NoError(t, err)

	got, err := f.registry.Get(ctx, f.session.ID)
	require.NoError(t, err)
	assert.True(t, got.LastActivityAt.Equal(*f.clock), "got %v want %v", got.LastActivityAt, *f.clock)
}

func TestAppend_PublishesEvent(t *testing.T) {
	bus := notify.NewBus()
	events, cancel := bus.Subscribe(4)
	defer cancel()

	f := setup(t, WithPublisher(bus))
	id, err := f.log.Append(context.Background(), f.session.ID, Record{ExternalID: "e1", Type: models.MessageTypeUser})
	require.NoError(t, err)

	e := <-events
	assert.Equal(t, notify.KindMessageAppended, e.Kind)
	payload, ok := e.Payload.(AppendedPayload)
	require.True(t, ok)
	assert.Equal(t, id, payload.MessageID)
	assert.True(t, payload.Inserted)
}

func TestBulkImport_Idempotent(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	recs := []Record{
		{ExternalID: "a", Type: models.MessageTypeUser, Content: text("one")},
		{ExternalID: "b", Type: models.MessageTypeAssistant, Content: text("two")},
		{ExternalID: "c", Type: models.MessageTypeUser, Content: text("three")},
	}
	first, err := f.log.BulkImport(ctx, f.session.ID, recs)
	require.NoError(t, err)
	require.Len(t, first, 3)

	second, err := f.log.BulkImport(ctx, f.session.ID, recs)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	msgs, err := f.log.List(ctx, f.session.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	for i, m := range msgs {
		assert.Equal(t, first[i], m.ID)
		assert.Equal(t, int64(i+1), m.Seq)
	}
}

func TestBulkImport_OverlapKeepsOrder(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	_, err := f.log.BulkImport(ctx, f.session.ID, []Record{
		{ExternalID: "a", Type: models.MessageTypeUser},
		{ExternalID: "b", Type: models.MessageTypeAssistant},
	})
	require.NoError(t, err)

	ids, err := f.log.BulkImport(ctx, f.session.ID, []Record{
		{ExternalID: "b", Type: models.MessageTypeAssistant, Content: text("updated")},
		{ExternalID: "c", Type: models.MessageTypeUser},
	})
	require.NoError(t, err)
	require.Len(t, ids, 2)

	msgs, err := f.log.List(ctx, f.session.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{msgs[0].ExternalID, msgs[1].ExternalID, msgs[2].ExternalID})
	assert.Equal(t, "updated", msgs[1].PlainText())
	assert.Equal(t, ids[0], msgs[1].ID)
}

func TestBulkImport_RejectsInvalidBeforeWriting(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	_, err := f.log.BulkImport(ctx, f.session.ID, []Record{
		{ExternalID: "a", Type: models.MessageTypeUser},
		{ExternalID: "b", Type: "nope"},
	})
	require.Error(t, err)

	msgs, err := f.log.List(ctx, f.session.ID)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestAppend_ConcurrentSameExternalID(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.log.Append(ctx, f.session.ID, Record{ExternalID: "dup", Type: models.MessageTypeAssistant})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	msgs, err := f.log.List(ctx, f.session.ID)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestClear(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	_, err := f.log.Append(ctx, f.session.ID, Record{Type: models.MessageTypeUser})
	require.NoError(t, err)

	n, err := f.log.Clear(ctx, f.session.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = f.log.Clear(ctx, f.session.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestBulkImport_ConcurrentWithAppend(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	for round := 0; round < 20; round++ {
		ext := fmt.Sprintf("shared-%d", round)
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := f.log.BulkImport(ctx, f.session.ID, []Record{
				{ExternalID: ext, Type: models.MessageTypeAssistant, Content: text("imported")},
			})
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			_, err := f.log.Append(ctx, f.session.ID, Record{ExternalID: ext, Type: models.MessageTypeAssistant, Content: text("live")})
			assert.NoError(t, err)
		}()
		wg.Wait()
	}

	msgs, err := f.log.List(ctx, f.session.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 20)
	seen := map[string]bool{}
	for _, m := range msgs {
		assert.False(t, seen[m.ExternalID], "duplicate external id %s", m.ExternalID)
		seen[m.ExternalID] = true
		assert.Contains(t, []string{"imported", "live"}, m.PlainText())
	}
}
