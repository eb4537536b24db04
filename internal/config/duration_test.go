package config

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestDurationUnmarshalYAML(t *testing.T) {
	var doc struct {
		Timeout Duration `yaml:"timeout"`
	}

	require.NoError(t, yaml.Unmarshal([]byte(`timeout: 1h30m`), &doc))
	assert.Equal(t, 90*time.Minute, doc.Timeout.Duration())

	require.NoError(t, yaml.Unmarshal([]byte(`timeout: ""`), &doc))
	assert.Equal(t, time.Duration(0), doc.Timeout.Duration())

	assert.Error(t, yaml.Unmarshal([]byte(`timeout: fast`), &doc))
	assert.Error(t, yaml.Unmarshal([]byte(`timeout: [1, 2]`), &doc))
}

func TestDurationJSON(t *testing.T) {
	var d Duration

	require.NoError(t, json.Unmarshal([]byte(`"250ms"`), &d))
	assert.Equal(t, 250*time.Millisecond, d.Duration())

	require.NoError(t, json.Unmarshal([]byte(`null`), &d))
	assert.Equal(t, time.Duration(0), d.Duration())

	assert.Error(t, json.Unmarshal([]byte(`"soon"`), &d))

	out, err := json.Marshal(Duration(5 * time.Second))
	require.NoError(t, err)
	assert.Equal(t, `"5s"`, string(out))
}

func TestDurationMarshalYAML(t *testing.T) {
	out, err := yaml.Marshal(struct {
		Interval Duration `yaml:"interval"`
	}{Interval: Duration(30 * time.Second)})
	require.NoError(t, err)
	assert.Contains(t, string(out), "interval: 30s")
}
