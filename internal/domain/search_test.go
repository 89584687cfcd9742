package domain

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDedupKey_ShortBody(t *testing.T) {
	h := SearchHit{Title: "title", Body: "short body"}
	assert.Equal(t, "short body", h.DedupKey())
}

func TestDedupKey_LongBodyTruncated(t *testing.T) {
	body := strings.Repeat("a", 150)
	h := SearchHit{Title: "title", Body: body}
	key := h.DedupKey()
	assert.Len(t, key, 100)
	assert.Equal(t, body[:100], key)
}

func TestDedupKey_EmptyBodyFallsBackToTitle(t *testing.T) {
	h := SearchHit{Title: "the title", Body: ""}
	assert.Equal(t, "the title", h.DedupKey())
}

func TestDedupKey_BothEmpty(t *testing.T) {
	h := SearchHit{}
	assert.Equal(t, "", h.DedupKey())
}

func TestDedupKey_SamePrefixCollides(t *testing.T) {
	prefix := strings.Repeat("x", 100)
	a := SearchHit{Title: "a", Body: prefix + " tail one"}
	b := SearchHit{Title: "b", Body: prefix + " different tail"}
	assert.Equal(t, a.DedupKey(), b.DedupKey())
}

func TestDedupKey_MultibyteSafe(t *testing.T) {
	body := strings.Repeat("é", 120)
	h := SearchHit{Body: body}
	assert.Equal(t, strings.Repeat("é", 100), h.DedupKey())
}
