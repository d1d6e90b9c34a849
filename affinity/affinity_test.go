package affinity_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/momentics/hioload-mrcp/affinity"
	"github.com/momentics/hioload-mrcp/api"
)

func TestPinRejectsNegativeCPU(t *testing.T) {
	assert.ErrorIs(t, affinity.Pin(-1), api.ErrInvalidArgument)
}
