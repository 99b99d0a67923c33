package intake

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-mbox"
	"github.com/mikey/phishguard/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeMbox(t *testing.T, messages ...string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := mbox.NewWriter(&buf)
	for _, msg := range messages {
		mw, err := w.CreateMessage("sender@example.com", time.Date(2024, 5, 6, 10, 0, 0, 0, time.UTC))
		require.NoError(t, err)
		_, err = mw.Write([]byte(msg))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestSplitMbox(t *testing.T) {
	raw := writeMbox(t,
		"From: a@example.com\nSubject: first\n\nhello\n",
		"From: b@example.com\nSubject: second\n\nworld\n",
		"From: c@example.com\nSubject: third\n\nbye\n",
	)

	messages, err := SplitMbox(bytes.NewReader(raw), 0)
	require.NoError(t, err)
	require.Len(t, messages, 3)
	assert.True(t, strings.HasPrefix(string(messages[0]), "From: a@example.com"))
	assert.Contains(t, string(messages[1]), "Subject: second")
	assert.Contains(t, string(messages[2]), "bye")
	assert.NotContains(t, string(messages[1]), "first")
}

func TestSplitMboxLimit(t *testing.T) {
	raw := writeMbox(t,
		"Subject: one\n\n1\n",
		"Subject: two\n\n2\n",
	)

	_, err := SplitMbox(bytes.NewReader(raw), 1)
	assert.True(t, errors.Is(err, core.ErrTooManyItems))

	messages, err := SplitMbox(bytes.NewReader(raw), 2)
	require.NoError(t, err)
	assert.Len(t, messages, 2)
}

func TestSplitMboxEmpty(t *testing.T) {
	messages, err := SplitMbox(bytes.NewReader(nil), 10)
	require.NoError(t, err)
	assert.Empty(t, messages)
}

func TestBatches(t *testing.T) {
	messages := make([][]byte, 23)
	for i := range messages {
		messages[i] = []byte{byte('a' + i)}
	}

	batches := Batches(messages, 10)
	require.Len(t, batches, 3)
	assert.Len(t, batches[0], 10)
	assert.Len(t, batches[1], 10)
	assert.Len(t, batches[2], 3)
	assert.Equal(t, core.SourceFile, batches[2][0].Kind)
	assert.Equal(t, []byte{'a' + 20}, batches[2][0].Data)

	assert.Empty(t, Batches(nil, 10))
}
