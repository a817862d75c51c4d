package failure

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify_CrashOutranksEverything(t *testing.T) {
	assert.Equal(t, KindCrash, Classify("process crashed while build failed"))
}

func TestClassify_ContextOutranksBuildAndTest(t *testing.T) {
	assert.Equal(t, KindContextExhausted, Classify("ran out of context before build failed"))
}

func TestClassify_BuildOutranksTest(t *testing.T) {
	assert.Equal(t, KindBuildFailure, Classify("build failed because TestFoo assertion mismatched"))
}

func TestClassify_TestFailure(t *testing.T) {
	assert.Equal(t, KindTestFailure, Classify("2 tests failed: assertion error"))
}

func TestClassify_LintOutranksTimeout(t *testing.T) {
	assert.Equal(t, KindLintFailure, Classify("lint error, then session timed out waiting for fix"))
}

func TestClassify_Timeout(t *testing.T) {
	assert.Equal(t, KindTimeout, Classify("session timed out"))
}

func TestClassify_ManuallyBlocked(t *testing.T) {
	assert.Equal(t, KindManuallyBlocked, Classify("blocked by user"))
}

func TestClassify_MergeConflict(t *testing.T) {
	assert.Equal(t, KindMergeConflict, Classify("merge conflict in main.go"))
}

func TestClassify_Unknown(t *testing.T) {
	assert.Equal(t, KindUnknown, Classify("something unexpected happened"))
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(KindCrash))
	assert.True(t, Retryable(KindTimeout))
	assert.False(t, Retryable(KindBuildFailure))
	assert.False(t, Retryable(KindContextExhausted))
}
