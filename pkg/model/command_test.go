package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPriorityJSON(t *testing.T) {
	out, err := json.Marshal(PriorityCritical)
	require.NoError(t, err)
	assert.Equal(t, `"CRITICAL"`, string(out))

	var p CommandPriority
	require.NoError(t, json.Unmarshal([]byte(`"HIGH"`), &p))
	assert.Equal(t, PriorityHigh, p)

	// omitted name defaults to NORMAL
	require.NoError(t, json.Unmarshal([]byte(`""`), &p))
	assert.Equal(t, PriorityNormal, p)

	// bare levels are accepted for older clients
	require.NoError(t, json.Unmarshal([]byte(`3`), &p))
	assert.Equal(t, PriorityCritical, p)

	assert.Error(t, json.Unmarshal([]byte(`"URGENT"`), &p))
	assert.Error(t, json.Unmarshal([]byte(`7`), &p))
}
