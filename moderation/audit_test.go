package moderation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAuditList(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	e := testEngine(t)

	for _, action := range []string{"one", "two", "three"} {
		e.Audit.Record(ctx, action, "example.com", "mod", "")
	}

	page, err := e.Audit.List(ctx, 0, 2)
	assert.NoError(err)
	if assert.Len(page, 2) {
		assert.Equal("three", page[0].Action)
		assert.Equal("two", page[1].Action)
		// each entry gets its own id when no request id was attached
		assert.NotEqual(page[0].RequestID, page[1].RequestID)
	}

	rest, err := e.Audit.List(ctx, page[1].ID, 10)
	assert.NoError(err)
	if assert.Len(rest, 1) {
		assert.Equal("one", rest[0].Action)
	}
}

func TestRequestID(t *testing.T) {
	ctx := WithRequestID(context.Background(), "abc")
	assert.Equal(t, "abc", RequestID(ctx))
	assert.Len(t, RequestID(context.Background()), 36)
}

func TestAuditListForTargetPages(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	e := testEngine(t)

	for _, action := range []string{"one", "two", "three"} {
		e.Audit.Record(ctx, action, "example.com", "mod", "")
		e.Audit.Record(ctx, action, "other.example", "mod", "")
	}

	page, err := e.Audit.ListForTarget(ctx, "example.com", 0, 2)
	assert.NoError(err)
	if assert.Len(page, 2) {
		assert.Equal("three", page[0].Action)
		assert.Equal("two", page[1].Action)
	}

	rest, err := e.Audit.ListForTarget(ctx, "example.com", page[1].ID, 2)
	assert.NoError(err)
	if assert.Len(rest, 1) {
		assert.Equal("one", rest[0].Action)
		assert.Equal("example.com", rest[0].Target)
	}
}
