package keyexchange

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSecret() []byte {
	return bytes.Repeat([]byte{0x42}, 32)
}

func newLocal(t *testing.T) *LocalClient {
	t.Helper()
	c, err := NewLocalClient(testSecret())
	require.NoError(t, err)
	return c
}

func TestNewLocalClient_ShortSecret(t *testing.T) {
	_, err := NewLocalClient([]byte("short"))
	assert.Error(t, err)
}

func TestNewLocalClientHex(t *testing.T) {
	_, err := NewLocalClientHex(strings.Repeat("ab", 32))
	require.NoError(t, err)

	_, err = NewLocalClientHex("not-hex")
	assert.Error(t, err)
}

func TestLocalClient_PseudonymizeIsStable(t *testing.T) {
	c := newLocal(t)
	ctx := context.Background()

	a, err := c.Pseudonymize(ctx, "patient-123")
	require.NoError(t, err)
	b, err := c.Pseudonymize(ctx, "patient-123")
	require.NoError(t, err)
	other, err := c.Pseudonymize(ctx, "patient-456")
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, other)
	assert.True(t, strings.HasPrefix(a, localPseudoPrefix))
	assert.NotContains(t, a, "patient-123")
}

func TestLocalClient_PseudonymizeDependsOnSecret(t *testing.T) {
	other, err := NewLocalClient(bytes.Repeat([]byte{0x07}, 32))
	require.NoError(t, err)

	a, err := newLocal(t).Pseudonymize(context.Background(), "patient-123")
	require.NoError(t, err)
	b, err := other.Pseudonymize(context.Background(), "patient-123")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestLocalClient_PseudonymizeEmpty(t *testing.T) {
	_, err := newLocal(t).Pseudonymize(context.Background(), "")
	assert.Error(t, err)
}

func TestLocalClient_IssueAndIdentify(t *testing.T) {
	c := newLocal(t)
	ctx := context.Background()

	token, raw, err := c.IssueKey(ctx)
	require.NoError(t, err)
	require.Len(t, raw, dataKeySize)
	assert.True(t, strings.HasPrefix(string(token), localTokenPrefix))

	unwrapped, err := c.IdentifyPseudonymInTransit(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, raw, unwrapped)
}

func TestLocalClient_IssueKeyIsFresh(t *testing.T) {
	c := newLocal(t)
	t1, k1, err := c.IssueKey(context.Background())
	require.NoError(t, err)
	t2, k2, err := c.IssueKey(context.Background())
	require.NoError(t, err)

	assert.NotEqual(t, t1, t2)
	assert.NotEqual(t, k1, k2)
}

func TestLocalClient_IdentifyRejectsForeignToken(t *testing.T) {
	issuer := newLocal(t)
	other, err := NewLocalClient(bytes.Repeat([]byte{0x07}, 32))
	require.NoError(t, err)

	token, _, err := issuer.IssueKey(context.Background())
	require.NoError(t, err)

	_, err = other.IdentifyPseudonymInTransit(context.Background(), token)
	assert.Error(t, err)
}

func TestLocalClient_IdentifyMalformed(t *testing.T) {
	c := newLocal(t)
	for _, token := range []PseudonymInTransit{"", "garbage", "lk1:***", "lk1:AA"} {
		_, err := c.IdentifyPseudonymInTransit(context.Background(), token)
		assert.Error(t, err, "token %q", token)
	}
}

func TestLocalClient_CanceledContext(t *testing.T) {
	c := newLocal(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := c.IssueKey(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	_, err = c.Pseudonymize(ctx, "x")
	assert.ErrorIs(t, err, context.Canceled)
}
