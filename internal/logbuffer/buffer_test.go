package logbuffer_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"computeplane/internal/logbuffer"
)

func runBufferContract(t *testing.T, b logbuffer.Buffer) {
	ctx := context.Background()

	t.Run("read by offset", func(t *testing.T) {
		jobID := uuid.NewString()
		for i := range 5 {
			require.NoError(t, b.Append(ctx, jobID, logbuffer.Stdout, fmt.Sprintf("line %d", i)))
		}
		require.NoError(t, b.Append(ctx, jobID, logbuffer.Stderr, "oops"))

		lines, next, err := b.Read(ctx, jobID, logbuffer.Stdout, 1, 2)
		require.NoError(t, err)
		assert.Equal(t, []string{"line 1", "line 2"}, lines)
		assert.Equal(t, 3, next)

		lines, next, err = b.Read(ctx, jobID, logbuffer.Stdout, next, 10)
		require.NoError(t, err)
		assert.Equal(t, []string{"line 3", "line 4"}, lines)
		assert.Equal(t, 5, next)

		lines, next, err = b.Read(ctx, jobID, logbuffer.Stdout, next, 10)
		require.NoError(t, err)
		assert.Empty(t, lines)
		assert.Equal(t, 5, next, "offset stays put at the end")

		lines, _, err = b.Read(ctx, jobID, logbuffer.Stderr, 0, 10)
		require.NoError(t, err)
		assert.Equal(t, []string{"oops"}, lines)
	})

	t.Run("page size", func(t *testing.T) {
		jobID := uuid.NewString()
		require.NoError(t, b.Append(ctx, jobID, logbuffer.Stdout, "a", "b", "c"))

		tests := []struct {
			name  string
			start int
			max   int
			want  []string
			next  int
		}{
			{"zero reads nothing", 0, 0, nil, 0},
			{"zero keeps the offset", 2, 0, nil, 2},
			{"negative reads a full page", 0, -1, []string{"a", "b", "c"}, 3},
			{"exact", 1, 1, []string{"b"}, 2},
		}
		for _, tt := range tests {
			lines, next, err := b.Read(ctx, jobID, logbuffer.Stdout, tt.start, tt.max)
			require.NoError(t, err, tt.name)
			assert.Equal(t, tt.want, lines, tt.name)
			assert.Equal(t, tt.next, next, tt.name)
		}
	})

	t.Run("unknown job reads empty", func(t *testing.T) {
		lines, next, err := b.Read(ctx, "nope", logbuffer.Stdout, 0, 10)
		require.NoError(t, err)
		assert.Empty(t, lines)
		assert.Equal(t, 0, next)
	})

	t.Run("delete", func(t *testing.T) {
		jobID := uuid.NewString()
		require.NoError(t, b.Append(ctx, jobID, logbuffer.Stdout, "a", "b"))
		require.NoError(t, b.Delete(ctx, jobID))
		lines, _, err := b.Read(ctx, jobID, logbuffer.Stdout, 0, 10)
		require.NoError(t, err)
		assert.Empty(t, lines)
	})

	t.Run("ready", func(t *testing.T) {
		assert.NoError(t, b.Ready(ctx))
	})
}

func TestMemoryBuffer(t *testing.T) {
	runBufferContract(t, logbuffer.NewMemory())
}

func TestParseStream(t *testing.T) {
	s, err := logbuffer.ParseStream("stderr")
	require.NoError(t, err)
	assert.Equal(t, logbuffer.Stderr, s)

	_, err = logbuffer.ParseStream("stdin")
	assert.Error(t, err)
}

func TestRedisBuffer(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping Redis integration test in short mode")
	}
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, container.Terminate(ctx)) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	b, err := logbuffer.NewRedis("redis://"+host+":"+port.Port(), time.Hour)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	runBufferContract(t, b)
}
