package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRetryPolicyShouldRetry(t *testing.T) {
	tests := []struct {
		name      string
		maxRetry  int
		failCount int
		want      bool
	}{
		{"unlimited always retries", -1, 100, true},
		{"zero bound rejects first failure past creation", 0, 1, false},
		{"zero bound accepts count zero", 0, 0, true},
		{"within bound", 1, 1, true},
		{"at bound", 3, 3, true},
		{"past bound", 1, 2, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := RetryPolicy{MaxRetry: tt.maxRetry}
			assert.Equal(t, tt.want, p.ShouldRetry(tt.failCount))
		})
	}
}

func TestRetryPolicyAllowsRequeue(t *testing.T) {
	assert.True(t, RetryPolicy{MaxRetry: -1}.AllowsRequeue())
	assert.True(t, RetryPolicy{MaxRetry: 1}.AllowsRequeue())
	assert.False(t, RetryPolicy{MaxRetry: 0}.AllowsRequeue())
}
