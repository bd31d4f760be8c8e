package envresolve

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devloop-run/devloop/internal/model"
)

func newCtx() *model.EnvContext {
	ctx := model.NewEnvContext(map[string]string{"HOME": "/home/dev", "EMPTY": ""})
	ctx.ProcessPorts["db"] = 5432
	ctx.ProcessExports["api"] = map[string]string{"token": "abc123"}
	return ctx
}

func TestResolveProcessPortFallback(t *testing.T) {
	ctx := newCtx()
	out, err := Resolve("postgres://$processes.db.port/app", ctx)
	require.NoError(t, err)
	assert.Equal(t, "postgres://5432/app", out)
}

func TestResolveProcessExportPreferred(t *testing.T) {
	ctx := newCtx()
	out, err := Resolve("Authorization: Bearer $processes.api.token", ctx)
	require.NoError(t, err)
	assert.Equal(t, "Authorization: Bearer abc123", out)
}

func TestResolveUnknownProcessRefFails(t *testing.T) {
	ctx := newCtx()
	_, err := Resolve("$processes.ghost.port", ctx)
	require.Error(t, err)
	var urErr *UnresolvedReferenceError
	assert.ErrorAs(t, err, &urErr)
}

func TestResolveCurrentPort(t *testing.T) {
	ctx := newCtx()
	ctx.CurrentPort = 3000
	ctx.HasCurrentPort = true
	out, err := Resolve("server --port ${PORT} --also $PORT", ctx)
	require.NoError(t, err)
	assert.Equal(t, "server --port 3000 --also 3000", out)
}

func TestResolvePortMissingFails(t *testing.T) {
	ctx := newCtx()
	_, err := Resolve("listen on $PORT", ctx)
	require.Error(t, err)
}

func TestResolveSystemEnvMissingIsEmptyNotError(t *testing.T) {
	ctx := newCtx()
	out, err := Resolve("$HOME/$MISSING/end", ctx)
	require.NoError(t, err)
	assert.Equal(t, "/home/dev//end", out)
}

func TestResolveBracedSystemEnv(t *testing.T) {
	ctx := newCtx()
	out, err := Resolve("${HOME}/bin", ctx)
	require.NoError(t, err)
	assert.Equal(t, "/home/dev/bin", out)
}

func TestProcessesLiteralNotReMatchedAtSystemEnvStage(t *testing.T) {
	ctx := newCtx()
	out, err := Resolve("$processes.db.port and literal $processes", ctx)
	require.NoError(t, err)
	assert.Equal(t, "5432 and literal $processes", out)
}

func TestTryResolveReturnsFalseInsteadOfError(t *testing.T) {
	ctx := newCtx()
	_, ok := TryResolve("$processes.ghost.port", ctx)
	assert.False(t, ok)
}

func TestResolveMapAppliesToEveryValue(t *testing.T) {
	ctx := newCtx()
	out, err := ResolveMap(map[string]string{"A": "$HOME", "B": "static"}, ctx)
	require.NoError(t, err)
	assert.Equal(t, "/home/dev", out["A"])
	assert.Equal(t, "static", out["B"])
}
