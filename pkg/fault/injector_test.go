package fault

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubPatcher struct {
	calls []bool
}

func (s *stubPatcher) PatchConfigMapFlag(ctx context.Context, namespace, name, key string, value bool) error {
	s.calls = append(s.calls, value)
	return nil
}

func TestConfigMapFlagInjector_InjectIsIdempotent(t *testing.T) {
	p := &stubPatcher{}
	inj := NewConfigMapFlagInjector(p)
	params := map[string]any{"namespace": "app", "name": "cfg", "key": "bug_enabled"}

	require.NoError(t, inj.Inject(context.Background(), params))
	require.NoError(t, inj.Inject(context.Background(), params))

	// Second Inject must not re-patch (P7: inject();inject() == inject()).
	assert.Equal(t, []bool{true}, p.calls)
}

func TestConfigMapFlagInjector_RecoverIsIdempotent(t *testing.T) {
	p := &stubPatcher{}
	inj := NewConfigMapFlagInjector(p)
	params := map[string]any{"namespace": "app", "name": "cfg", "key": "bug_enabled"}

	// Recover without prior Inject must succeed (P7).
	require.NoError(t, inj.Recover(context.Background(), params))
	require.NoError(t, inj.Inject(context.Background(), params))
	require.NoError(t, inj.Recover(context.Background(), params))
	require.NoError(t, inj.Recover(context.Background(), params))

	assert.Equal(t, []bool{true, false, false}, p.calls)
}

func TestNoopInjector(t *testing.T) {
	var n NoopInjector
	require.NoError(t, n.Inject(context.Background(), nil))
	require.NoError(t, n.Recover(context.Background(), nil))
}
