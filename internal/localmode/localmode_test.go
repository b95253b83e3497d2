package localmode

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ocx/sandboxd/internal/config"
)

func TestIsStandaloneWithNoWorkers(t *testing.T) {
	assert.True(t, IsStandalone(&config.Config{}))
}

func TestIsStandaloneFalseWhenWorkersConfigured(t *testing.T) {
	assert.False(t, IsStandalone(&config.Config{Workers: []string{"http://worker-1:7575"}}))
}
