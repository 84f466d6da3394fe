package requestctx

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSetSubject_and_Subject(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, Subject(ctx))

	ctx2 := SetSubject(ctx, "user-42")
	assert.Equal(t, "user-42", Subject(ctx2))
	assert.Empty(t, Subject(ctx))

	ctx3 := SetSubject(ctx2, "admin-1")
	assert.Equal(t, "admin-1", Subject(ctx3))
	assert.Equal(t, "user-42", Subject(ctx2))
}
