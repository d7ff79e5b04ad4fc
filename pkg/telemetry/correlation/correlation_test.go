package correlation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEnsureKeepsExisting(t *testing.T) {
	ctx := WithID(context.Background(), "cid-1")
	_, id := Ensure(ctx)
	require.Equal(t, "cid-1", id)
}

func TestEnsureMintsULID(t *testing.T) {
	ctx, id := Ensure(context.Background())
	require.Len(t, id, 26)
	require.Equal(t, id, FromContext(ctx))
}

func TestForEventIsStableAcrossRedeliveries(t *testing.T) {
	_, first := ForEvent(context.Background(), "Stripe", "evt_123")
	_, second := ForEvent(context.Background(), "stripe", " evt_123 ")
	require.Equal(t, "evt:stripe:evt_123", first)
	require.Equal(t, first, second)
}

func TestForEventWithoutIDFallsBackToULID(t *testing.T) {
	ctx, id := ForEvent(context.Background(), "stripe", "")
	require.NotEmpty(t, id)
	require.Equal(t, id, FromContext(ctx))
}

func TestForRun(t *testing.T) {
	ctx, id := ForRun(context.Background(), "01HZZ")
	require.Equal(t, "run:01HZZ", id)
	require.Equal(t, id, FromContext(ctx))
}

func TestWithIDIgnoresBlank(t *testing.T) {
	ctx := WithID(context.Background(), "  ")
	require.Empty(t, FromContext(ctx))
}
