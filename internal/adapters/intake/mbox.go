// Package intake holds the ways emails enter the pipeline from outside the
// process: an SMTP listener and mbox files.
package intake

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/emersion/go-mbox"
	"github.com/mikey/phishguard/internal/core"
	"github.com/mikey/phishguard/internal/pipeline"
)

// SplitMbox reads every message of an mbox stream. At most maxMessages are
// returned; a larger mailbox is a TooManyItems error. A maxMessages of 0
// means no limit.
func SplitMbox(r io.Reader, maxMessages int) ([][]byte, error) {
	reader := mbox.NewReader(r)
	var messages [][]byte
	for {
		msg, err := reader.NextMessage()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, core.WrapError(core.KindParse, fmt.Sprintf("failed to read mbox message %d", len(messages)+1), err)
		}
		if maxMessages > 0 && len(messages) == maxMessages {
			return nil, core.Errorf(core.KindTooManyItems, "mailbox holds more than %d messages", maxMessages)
		}

		var buf bytes.Buffer
		if _, err := io.Copy(&buf, msg); err != nil {
			return nil, core.WrapError(core.KindParse, fmt.Sprintf("failed to read mbox message %d", len(messages)+1), err)
		}
		messages = append(messages, buf.Bytes())
	}
	return messages, nil
}

// Batches groups messages into batch submissions of at most size items
func Batches(messages [][]byte, size int) [][]pipeline.BatchItem {
	if size < 1 {
		size = 1
	}
	var batches [][]pipeline.BatchItem
	for start := 0; start < len(messages); start += size {
		end := start + size
		if end > len(messages) {
			end = len(messages)
		}
		batch := make([]pipeline.BatchItem, 0, end-start)
		for _, msg := range messages[start:end] {
			batch = append(batch, pipeline.BatchItem{Kind: core.SourceFile, Data: msg})
		}
		batches = append(batches, batch)
	}
	return batches
}
