package platform

import (
	"testing"

	"github.com/actionplane/orchestrator/core"
	"github.com/stretchr/testify/assert"
)

func TestResult_ErrReturnsNilWhenOK(t *testing.T) {
	r := Result{Ok: true}
	assert.NoError(t, r.Err("create_page"))
}

func TestResult_ErrClassifiesErrorKindWhenNotOK(t *testing.T) {
	r := Result{Ok: false, ErrorKind: core.KindRateLimit}
	err := r.Err("create_page")
	assert.Error(t, err)
	assert.Equal(t, core.KindRateLimit, core.KindOf(err))
}
