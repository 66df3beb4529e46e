package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snehjoshi/relayq/internal/broker"
	"github.com/snehjoshi/relayq/internal/consumer"
	"github.com/snehjoshi/relayq/internal/types"
)

// ─── helpers ─────────────────────────────────────────────────────────────────

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

// sqliteConfig writes a config file for a fresh, migrated SQLite database
// and returns its path.
func sqliteConfig(t *testing.T, queuePolicy, extra string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := fmt.Sprintf(`
database:
  driver: sqlite
  path: %s
queue:
  name: jobs
  failure_policy: %s
stream:
  name: audit
  consumer_id: c1
metrics:
  enabled: false
%s`, filepath.Join(dir, "relayq.db"), queuePolicy, extra)
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	_, err := execute(t, "migrate", "--config", path)
	require.NoError(t, err)
	return path
}

type envelope struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data"`
}

func decode(t *testing.T, out string, v any) {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal([]byte(out), &env), "output: %s", out)
	require.Equal(t, "ok", env.Status)
	require.NoError(t, json.Unmarshal(env.Data, v))
}

type statsOutput struct {
	Queue          broker.QueueInfo       `json:"queue"`
	Consumers      []types.ConsumerRecord `json:"consumers"`
	ConsumersError string                 `json:"consumers_error"`
}

// ─── commands ────────────────────────────────────────────────────────────────

func TestMigrateIsIdempotent(t *testing.T) {
	path := sqliteConfig(t, "retry", "")
	out, err := execute(t, "migrate", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "schema applied (sqlite)")
}

func TestEnqueueThenDrainQueue(t *testing.T) {
	path := sqliteConfig(t, "retry", "")

	out, err := execute(t, "enqueue", "--config", path, "--format", "json", `{"task":"email"}`)
	require.NoError(t, err)
	var item types.QueueItem
	decode(t, out, &item)
	assert.Equal(t, int64(1), item.ID)
	assert.Equal(t, "jobs", item.Queue)
	assert.Equal(t, types.StatusPending, item.Status)

	_, err = execute(t, "enqueue", "--config", path, "--queue", "other", `{}`)
	require.NoError(t, err)

	_, err = execute(t, "queue", "--config", path, "--once")
	require.NoError(t, err)

	out, err = execute(t, "stats", "--config", path, "--format", "json")
	require.NoError(t, err)
	var stats statsOutput
	decode(t, out, &stats)
	assert.Equal(t, int64(1), stats.Queue.Done)
	assert.Equal(t, int64(0), stats.Queue.Pending)
}

func TestBoltOffsetsLetOtherCommandsRun(t *testing.T) {
	bolt := filepath.Join(t.TempDir(), "offsets.db")
	path := sqliteConfig(t, "retry", fmt.Sprintf("offsets:\n  backend: bolt\n  bolt_path: %s\n", bolt))

	// Stand in for a running `relayq stream`, which holds the offsets file.
	b, err := openBroker(&RootOptions{ConfigPath: path, Format: "text"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	sc, err := b.StreamConsumer(context.Background())
	require.NoError(t, err)
	require.NoError(t, sc.Start(context.Background()))

	_, err = execute(t, "enqueue", "--config", path, `{}`)
	require.NoError(t, err)
	_, err = execute(t, "publish", "--config", path, `{}`)
	require.NoError(t, err)
	_, err = execute(t, "queue", "--config", path, "--once")
	require.NoError(t, err)

	out, err := execute(t, "stats", "--config", path, "--format", "json")
	require.NoError(t, err)
	var stats statsOutput
	decode(t, out, &stats)
	assert.Equal(t, int64(1), stats.Queue.Done)
	assert.Contains(t, stats.ConsumersError, "held by another process")

	require.NoError(t, b.Close())
	out, err = execute(t, "stats", "--config", path, "--format", "json")
	require.NoError(t, err)
	stats = statsOutput{}
	decode(t, out, &stats)
	assert.Empty(t, stats.ConsumersError)
	require.Len(t, stats.Consumers, 1)
	assert.Equal(t, "c1", stats.Consumers[0].ConsumerID)
}

func TestEnqueueRejectsInvalidJSON(t *testing.T) {
	path := sqliteConfig(t, "retry", "")
	_, err := execute(t, "enqueue", "--config", path, `{not json`)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestPublishThenDrainStream(t *testing.T) {
	path := sqliteConfig(t, "retry", "")
	for i := 0; i < 3; i++ {
		_, err := execute(t, "publish", "--config", path, fmt.Sprintf(`{"n":%d}`, i))
		require.NoError(t, err)
	}

	_, err := execute(t, "stream", "--config", path, "--once")
	require.NoError(t, err)

	out, err := execute(t, "stats", "--config", path, "--format", "json")
	require.NoError(t, err)
	var stats statsOutput
	decode(t, out, &stats)
	require.Len(t, stats.Consumers, 1)
	assert.Equal(t, "c1", stats.Consumers[0].ConsumerID)
	assert.Equal(t, int64(3), stats.Consumers[0].LastEventID)
}

func TestPruneRemovesConsumedRows(t *testing.T) {
	path := sqliteConfig(t, "retry", "prune:\n  retention: 0s\n")
	_, err := execute(t, "enqueue", "--config", path, `{}`)
	require.NoError(t, err)
	_, err = execute(t, "publish", "--config", path, `{}`)
	require.NoError(t, err)
	_, err = execute(t, "run", "--config", path, "--once")
	require.NoError(t, err)

	out, err := execute(t, "prune", "--config", path, "--format", "json")
	require.NoError(t, err)
	var rep struct {
		QueueItems   int64 `json:"queue_items"`
		StreamEvents int64 `json:"stream_events"`
	}
	decode(t, out, &rep)
	assert.Equal(t, int64(1), rep.QueueItems)
	assert.Equal(t, int64(1), rep.StreamEvents)
}

func TestDLQListAndReplay(t *testing.T) {
	path := sqliteConfig(t, "dead_letter", "")

	// Dead-letter two items with a handler that always fails.
	opts := &RootOptions{ConfigPath: path, Format: "text"}
	fail := consumer.QueueHandlerFunc(func(context.Context, types.QueueItem) consumer.Result {
		return consumer.Fail(errors.New("poison"))
	})
	b, err := openBroker(opts, broker.WithHandler(poisonHandler{fail}))
	require.NoError(t, err)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := b.Enqueue(ctx, "jobs", json.RawMessage(`{}`))
		require.NoError(t, err)
	}
	qc, err := b.QueueConsumer(ctx)
	require.NoError(t, err)
	qc.Drain(ctx)
	require.NoError(t, b.Close())

	out, err := execute(t, "dlq", "list", "--config", path, "--format", "json")
	require.NoError(t, err)
	var items []types.QueueItem
	decode(t, out, &items)
	require.Len(t, items, 2)
	assert.Equal(t, types.StatusDead, items[0].Status)
	assert.Contains(t, items[0].LastError, "poison")

	out, err = execute(t, "dlq", "replay", "--config", path, "--limit", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "replayed 1 items on jobs")

	out, err = execute(t, "dlq", "replay", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "replayed 1 items on jobs")

	_, err = execute(t, "dlq", "replay", "--config", path, "--limit", "-1")
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestUnreadableSecretIsACommandError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := fmt.Sprintf("database:\n  driver: postgres\n  password_file: %s\n", filepath.Join(dir, "missing"))
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	_, err := execute(t, "migrate", "--config", path)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

// poisonHandler fails every queue item; stream events are never delivered
// in these tests.
type poisonHandler struct {
	consumer.QueueHandlerFunc
}

func (poisonHandler) HandleStreamEvent(context.Context, types.StreamEvent) consumer.Result {
	return consumer.OK()
}
