package dispatch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orbitmesh/orbitmesh/common/models"
	"github.com/orbitmesh/orbitmesh/common/oerr"
)

func TestRegistryCommands(t *testing.T) {
	r := NewRegistry()
	r.FireAndForget("notify", func(context.Context, *CommandContext) error { return nil })
	r.RequestResponse("echo", func(context.Context, *CommandContext) ([]byte, error) { return nil, nil })
	r.Streaming("tail", func(context.Context, *CommandContext, EmitFunc) error { return nil })
	r.LongRunning("backup", func(context.Context, *CommandContext) (*models.JobResult, error) { return nil, nil })

	assert.ElementsMatch(t, []string{"notify", "echo", "tail", "backup"}, r.Commands())
}

func TestRegistryLookupPattern(t *testing.T) {
	r := NewRegistry()
	r.Streaming("tail", func(context.Context, *CommandContext, EmitFunc) error { return nil })

	e, err := r.lookup("tail")
	require.NoError(t, err)
	assert.Equal(t, models.PatternStreaming, e.pattern)
}

func TestRegistryLookupUnknown(t *testing.T) {
	r := NewRegistry()

	_, err := r.lookup("missing")
	require.Error(t, err)
	assert.True(t, oerr.Is(err, oerr.NotFound))
	assert.Equal(t, "unknown_command", oerr.CodeOf(err))
}

func TestRegistryLastRegistrationWins(t *testing.T) {
	r := NewRegistry()
	r.FireAndForget("job", func(context.Context, *CommandContext) error { return nil })
	r.RequestResponse("job", func(context.Context, *CommandContext) ([]byte, error) { return nil, nil })

	e, err := r.lookup("job")
	require.NoError(t, err)
	assert.Equal(t, models.PatternRequestResponse, e.pattern)
}
