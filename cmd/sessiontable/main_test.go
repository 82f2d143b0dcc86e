package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jjeffery/ddbsessions/config"
	"github.com/jjeffery/ddbsessions/internal/memdynamo"
	"github.com/jjeffery/ddbsessions/storage"
	"github.com/jjeffery/ddbsessions/storage/dynamodb"
	"github.com/jjeffery/ddbsessions/storage/memory"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(a *app, args ...string) (string, error) {
	var stdout, stderr bytes.Buffer
	cmd := a.rootCmd()
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), err
}

// memoryApp returns an app whose commands all share one memory provider.
func memoryApp(mem *memory.Provider) *app {
	a := newApp()
	a.open = func(ctx context.Context, cfg config.Config, logger *zerolog.Logger) (storage.Provider, func() error, error) {
		return mem, nopClose, nil
	}
	return a
}

// dynamoApp returns an app whose DynamoDB provider talks to fake.
func dynamoApp(fake *memdynamo.DB) *app {
	a := newApp()
	a.open = func(ctx context.Context, cfg config.Config, logger *zerolog.Logger) (storage.Provider, func() error, error) {
		opts := cfg.DynamoDB.Options()
		opts.Connection = fake
		opts.Logger = logger
		opts.SkipProvisioning = true
		p, err := dynamodb.New(opts)
		return p, nopClose, err
	}
	return a
}

func TestSetGetDestroy(t *testing.T) {
	a := memoryApp(memory.New("", ""))

	out, err := execute(a, "set", "abc", "--data", `{"user":"alice"}`)
	require.NoError(t, err)
	assert.Equal(t, "abc\n", out)

	out, err = execute(a, "get", "abc")
	require.NoError(t, err)
	var sess map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &sess))
	assert.Equal(t, "alice", sess["user"])
	assert.Equal(t, "abc", sess["Id"])
	assert.Contains(t, sess, "Ttl")

	_, err = execute(a, "destroy", "abc")
	require.NoError(t, err)

	out, err = execute(a, "get", "abc")
	require.NoError(t, err)
	assert.Equal(t, "not found\n", out)
}

func TestSetGeneratesID(t *testing.T) {
	mem := memory.New("", "")
	a := memoryApp(mem)
	a.newID = func() string { return "generated-id" }

	out, err := execute(a, "set")
	require.NoError(t, err)
	assert.Equal(t, "generated-id\n", out)
	assert.Equal(t, 1, mem.Len())
}

func TestSetInvalidData(t *testing.T) {
	mem := memory.New("", "")
	_, err := execute(memoryApp(mem), "set", "abc", "--data", "[1, 2]")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JSON object")
	assert.Equal(t, 0, mem.Len())
}

func TestTouch(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mem := memory.New("", "").WithTimeNow(func() time.Time { return now })
	a := memoryApp(mem)

	_, err := execute(a, "set", "abc", "--ttl", "1m")
	require.NoError(t, err)
	out, err := execute(a, "touch", "abc", "--ttl", "1h")
	require.NoError(t, err)
	assert.Empty(t, out)

	sess, err := mem.Get(context.Background(), "abc")
	require.NoError(t, err)
	expires, ok := storage.ExpiresAt(sess, "Ttl")
	require.True(t, ok)
	assert.Equal(t, now.Add(time.Hour).Unix(), expires.Unix())

	out, err = execute(a, "touch", "missing")
	require.NoError(t, err)
	assert.Equal(t, "not found\n", out)
}

func TestEnsureAndDropTable(t *testing.T) {
	fake := memdynamo.New()
	a := dynamoApp(fake)

	out, err := execute(a, "ensure-table", "--table", "web_sessions")
	require.NoError(t, err)
	assert.Equal(t, "session table exists\n", out)
	ttlKey, ok := fake.TTLAttribute("web_sessions")
	require.True(t, ok)
	assert.Equal(t, "Ttl", ttlKey)

	out, err = execute(a, "ensure-table", "--table", "web_sessions")
	require.NoError(t, err)
	assert.Equal(t, "session table exists\n", out)
	assert.Equal(t, 1, fake.Calls(memdynamo.OpCreateTable))

	_, err = execute(a, "set", "abc", "--table", "web_sessions")
	require.NoError(t, err)
	assert.NotNil(t, fake.RawItem("web_sessions", "abc"))

	out, err = execute(a, "drop-table", "--table", "web_sessions")
	require.NoError(t, err)
	assert.Equal(t, "session table dropped\n", out)
	_, ok = fake.TTLAttribute("web_sessions")
	assert.False(t, ok)
}

func TestUnsupportedCommands(t *testing.T) {
	a := memoryApp(memory.New("", ""))

	_, err := execute(a, "drop-table")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not support drop-table")

	_, err = execute(a, "purge")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not support purge")
}

func TestInvalidArguments(t *testing.T) {
	a := memoryApp(memory.New("", ""))

	_, err := execute(a, "get")
	assert.Error(t, err)

	_, err = execute(a, "get", "abc", "--log-level", "loud")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid log level")

	_, err = execute(a, "get", "abc", "--backend", "redis")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown backend")
}

func TestConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.yaml")
	data := []byte("backend: memory\ndynamodb:\n  table: from_file\n  region: eu-west-1\n")
	require.NoError(t, os.WriteFile(path, data, 0600))

	var got config.Config
	a := newApp()
	a.open = func(ctx context.Context, cfg config.Config, logger *zerolog.Logger) (storage.Provider, func() error, error) {
		got = cfg
		return memory.New("", ""), nopClose, nil
	}

	_, err := execute(a, "get", "abc", "--config", path)
	require.NoError(t, err)
	assert.Equal(t, config.BackendMemory, got.Backend)
	assert.Equal(t, "from_file", got.DynamoDB.Table)
	assert.Equal(t, "eu-west-1", got.DynamoDB.Region)

	// flags take precedence over the file
	_, err = execute(a, "get", "abc", "--config", path, "--table", "from_flag", "--region", "ap-southeast-2")
	require.NoError(t, err)
	assert.Equal(t, "from_flag", got.DynamoDB.Table)
	assert.Equal(t, "from_flag", got.Postgres.Table)
	assert.Equal(t, "ap-southeast-2", got.DynamoDB.Region)
}

func TestProviderIsClosed(t *testing.T) {
	var opened, closed int
	a := newApp()
	a.open = func(ctx context.Context, cfg config.Config, logger *zerolog.Logger) (storage.Provider, func() error, error) {
		opened++
		return memory.New("", ""), func() error {
			closed++
			return nil
		}, nil
	}

	_, err := execute(a, "get", "abc")
	require.NoError(t, err)
	_, err = execute(a, "destroy", "")
	require.Error(t, err)
	assert.Equal(t, 2, opened)
	assert.Equal(t, 2, closed)
}

func TestMemoryBackendHelp(t *testing.T) {
	flag := newApp().rootCmd().PersistentFlags().Lookup("backend")
	require.NotNil(t, flag)
	assert.Contains(t, flag.Usage, "single command")
}
