package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/salesbot/internal/config"
	"github.com/ashureev/salesbot/internal/domain"
	"github.com/ashureev/salesbot/internal/store"
)

func seedStore(t *testing.T, dir string) {
	t.Helper()
	backend, err := store.NewFile(dir)
	require.NoError(t, err)
	st := store.New(backend)
	defer st.Close()

	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	a := domain.NewSession("911111111111@s.whatsapp.net", "budget", now)
	b := domain.NewSession("922222222222@s.whatsapp.net", domain.StepCompleted, now.Add(time.Minute))
	b.UpdatedAt = now.Add(time.Minute)
	st.SaveSessions(context.Background(), map[string]domain.Session{a.JID: a, b.JID: b})
	st.SaveCredentials(context.Background(), domain.Credentials{Me: "919000000000@s.whatsapp.net"})
}

func run(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd(config.FromEnv(), new(slog.LevelVar))
	root.SetOut(&out)
	root.SetArgs(args)
	require.NoError(t, root.ExecuteContext(context.Background()))
	return out.String()
}

func TestSessionsCommand(t *testing.T) {
	dir := t.TempDir()
	seedStore(t, dir)

	var all []domain.Session
	require.NoError(t, json.Unmarshal([]byte(run(t, "sessions", "--store-dir", dir)), &all))
	require.Len(t, all, 2)
	assert.Equal(t, "922222222222@s.whatsapp.net", all[0].JID, "most recently updated first")

	var one []domain.Session
	require.NoError(t, json.Unmarshal([]byte(run(t, "sessions", "--store-dir", dir, "--jid", "+911111111111")), &one))
	require.Len(t, one, 1)
	assert.Equal(t, domain.Step("budget"), one[0].Step)

	run(t, "sessions", "--store-dir", dir, "--clear")
	var none []domain.Session
	require.NoError(t, json.Unmarshal([]byte(run(t, "sessions", "--store-dir", dir)), &none))
	assert.Empty(t, none)
}

func TestResetAuthCommand(t *testing.T) {
	dir := t.TempDir()
	seedStore(t, dir)

	run(t, "reset-auth", "--store-dir", dir)

	backend, err := store.NewFile(dir)
	require.NoError(t, err)
	defer backend.Close()
	_, err = backend.Get(context.Background(), store.CollectionCreds, "credentials")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = backend.Get(context.Background(), store.CollectionSessions, "userState")
	assert.NoError(t, err, "sessions survive an auth reset")
}

func TestInvalidConfigurationFails(t *testing.T) {
	root := newRootCmd(config.FromEnv(), new(slog.LevelVar))
	root.SetArgs([]string{"sessions", "--store", "redis"})
	assert.Error(t, root.ExecuteContext(context.Background()))
}
