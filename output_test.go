package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bookstr/internal/feed"
)

func TestClip(t *testing.T) {
	assert.Equal(t, "one line now", clip("one\nline   now"))

	long := strings.Repeat("é", 100)
	clipped := clip(long)
	assert.Equal(t, maxContentWidth, len([]rune(clipped)))
	assert.True(t, strings.HasSuffix(clipped, "…"))
}

func TestAuthorLabel(t *testing.T) {
	pk := strings.Repeat("ab", 32)
	assert.Equal(t, "Bob", authorLabel(feed.Author{PubKey: pk, Name: "bob", DisplayName: "Bob"}))
	assert.Equal(t, "bob", authorLabel(feed.Author{PubKey: pk, Name: "bob"}))
	assert.Equal(t, pk[:12], authorLabel(feed.Author{PubKey: pk}))
}

func TestPrinterJSONLines(t *testing.T) {
	jsonOutput = true
	defer func() { jsonOutput = false }()

	var buf bytes.Buffer
	p := newPrinter(&buf)
	p.activity(feed.Activity{ID: "x", Type: feed.ActivityPost, Content: "<b>&</b>", Reactions: feed.ReactionSummary{Count: 2}})
	p.summary("unread", 3)
	require.NoError(t, p.flush())

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"content":"<b>&</b>"`)

	var got feed.Activity
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &got))
	assert.Equal(t, 2, got.Reactions.Count)
	assert.JSONEq(t, `{"unread":3}`, lines[1])
}

func TestPrinterText(t *testing.T) {
	var buf bytes.Buffer
	p := newPrinter(&buf)
	p.activity(feed.Activity{
		ID:        strings.Repeat("1", 64),
		Type:      feed.ActivityReview,
		Author:    feed.Author{Name: "alice"},
		BookRef:   "isbn:123",
		Content:   "loved it",
		Reactions: feed.ReactionSummary{Count: 4, UserReacted: true},
	})
	require.NoError(t, p.flush())

	out := buf.String()
	assert.Contains(t, out, "review")
	assert.Contains(t, out, "alice")
	assert.Contains(t, out, "♥ 4 (you)")
	assert.Contains(t, out, "[isbn:123] loved it")
}
