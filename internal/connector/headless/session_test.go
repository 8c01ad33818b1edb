package headless

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewSessionRequiresBootstrapURL(t *testing.T) {
	t.Parallel()

	_, err := NewSession(Config{})
	require.Error(t, err)
}

func TestStaticSessionReturnsCopy(t *testing.T) {
	t.Parallel()

	headers := http.Header{}
	headers.Set("Cookie", "session=abc")
	provider := NewStaticSession(headers)

	got, err := provider.Headers(context.Background())
	require.NoError(t, err)
	require.Equal(t, "session=abc", got.Get("Cookie"))

	got.Set("Cookie", "mutated")
	again, err := provider.Headers(context.Background())
	require.NoError(t, err)
	require.Equal(t, "session=abc", again.Get("Cookie"))
}

func TestStaticSessionNilHeaders(t *testing.T) {
	t.Parallel()

	provider := NewStaticSession(nil)
	got, err := provider.Headers(context.Background())
	require.NoError(t, err)
	require.NotNil(t, got)
}
