package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorKindOf(t *testing.T) {
	err := E(KindState, "task %s is %s", "tsk_1", TaskCompleted)
	assert.Equal(t, KindState, KindOf(err))
	assert.Equal(t, "STATE: task tsk_1 is completed", err.Error())

	wrapped := fmt.Errorf("handler: %w", err)
	assert.True(t, IsKind(wrapped, KindState))
	assert.False(t, IsKind(wrapped, KindConflict))

	assert.Equal(t, KindInternal, KindOf(errors.New("plain")))
}

func TestErrorWithDetail(t *testing.T) {
	err := E(KindAuthz, "denied").With("policy_id", "pol_1")
	assert.Equal(t, "pol_1", err.Detail["policy_id"])
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(KindInternal, cause, "persist evidence")
	assert.True(t, errors.Is(err, cause))
	assert.Equal(t, KindInternal, KindOf(err))
}

func TestNewIDPrefix(t *testing.T) {
	id := NewID("wfi")
	assert.Regexp(t, `^wfi_[0-9a-f-]{36}$`, id)
}
