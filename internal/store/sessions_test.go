package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessions_CreateAndList(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	p, err := s.CreateProject(ctx, "p", "/src/p")
	require.NoError(t, err)

	first, err := s.CreateSession(ctx, p.ID, "")
	require.NoError(t, err)
	assert.NotEmpty(t, first.ID)
	assert.Equal(t, p.ID, first.ProjectID)

	second, err := s.CreateSession(ctx, p.ID, "named")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	sessions, err := s.ListSessions(ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, sessions, 2)

	_, err = s.GetSession(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSetSessionTitle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	p, err := s.CreateProject(ctx, "p", "/src/p")
	require.NoError(t, err)
	sess, err := s.CreateSession(ctx, p.ID, "")
	require.NoError(t, err)

	require.NoError(t, s.SetSessionTitle(ctx, sess.ID, "how does auth work?"))

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "how does auth work?", got.Title)

	assert.ErrorIs(t, s.SetSessionTitle(ctx, "nope", "x"), ErrNotFound)
}

func TestMessages_AppendAndList(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	p, err := s.CreateProject(ctx, "p", "/src/p")
	require.NoError(t, err)
	sess, err := s.CreateSession(ctx, p.ID, "")
	require.NoError(t, err)

	user := &Message{SessionID: sess.ID, Role: RoleUser, Content: "question"}
	require.NoError(t, s.AppendMessage(ctx, user))
	assert.NotEmpty(t, user.ID, "an id is assigned on append")
	assert.False(t, user.CreatedAt.IsZero())

	assistant := &Message{
		SessionID:     sess.ID,
		Role:          RoleAssistant,
		Content:       "answer",
		ContextFiles:  []string{"a.go", "b.go"},
		ContextChunks: []int64{1, 2, 3},
		LatencyMS:     321,
		CreatedAt:     user.CreatedAt.Add(time.Second),
	}
	require.NoError(t, s.AppendMessage(ctx, assistant))

	msgs, err := s.ListMessages(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	assert.Equal(t, RoleUser, msgs[0].Role)
	assert.Empty(t, msgs[0].ContextFiles)
	assert.Equal(t, RoleAssistant, msgs[1].Role)
	assert.Equal(t, []string{"a.go", "b.go"}, msgs[1].ContextFiles)
	assert.Equal(t, []int64{1, 2, 3}, msgs[1].ContextChunks)
	assert.Equal(t, int64(321), msgs[1].LatencyMS)
	assert.False(t, msgs[1].Partial)
}

func TestMessages_PartialFlagRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	p, err := s.CreateProject(ctx, "p", "/src/p")
	require.NoError(t, err)
	sess, err := s.CreateSession(ctx, p.ID, "")
	require.NoError(t, err)

	require.NoError(t, s.AppendMessage(ctx, &Message{
		SessionID: sess.ID, Role: RoleAssistant, Content: "cut off mid", Partial: true,
	}))

	msgs, err := s.ListMessages(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].Partial)
}

func TestMessages_EmptySession(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	p, err := s.CreateProject(ctx, "p", "/src/p")
	require.NoError(t, err)
	sess, err := s.CreateSession(ctx, p.ID, "")
	require.NoError(t, err)

	msgs, err := s.ListMessages(ctx, sess.ID)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestDeleteProject_CascadesToSessions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	p, err := s.CreateProject(ctx, "p", "/src/p")
	require.NoError(t, err)
	sess, err := s.CreateSession(ctx, p.ID, "")
	require.NoError(t, err)
	require.NoError(t, s.AppendMessage(ctx, &Message{SessionID: sess.ID, Role: RoleUser, Content: "q"}))

	require.NoError(t, s.DeleteProject(ctx, p.ID))

	_, err = s.GetSession(ctx, sess.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}
