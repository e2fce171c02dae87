package fault

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestKindIsPreservedThroughWrapping(t *testing.T) {
	var err = Errorf(Consistency, "reconnected to %s", "db-2")
	assert.Equal(t, "reconnected to db-2", err.Error())
	assert.Equal(t, Consistency, KindOf(err))

	err = errors.WithMessage(err, "chunker")
	assert.Equal(t, "chunker: reconnected to db-2", err.Error())
	assert.True(t, Is(err, Consistency))
	assert.False(t, Is(err, Retryable))
}

func TestUnknownAndNil(t *testing.T) {
	assert.Equal(t, Unknown, KindOf(errors.New("plain")))
	assert.Equal(t, Unknown, KindOf(nil))
	assert.False(t, Is(nil, Unknown))
	assert.NoError(t, Wrap(Precondition, nil))
}

func TestCauseAndUnwrap(t *testing.T) {
	var inner = errors.New("inner")
	var err = Wrap(DataWarning, inner)

	assert.Equal(t, inner, errors.Cause(err))
	assert.True(t, errors.Is(err, inner))
	assert.Equal(t, "data-warning", KindOf(err).String())
}
