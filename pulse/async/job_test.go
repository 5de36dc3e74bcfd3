package async

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trellisfw/target-helper/errors"
)

func TestNormalizeTime(t *testing.T) {
	tests := []struct {
		name string
		in   interface{}
		want string
	}{
		{"unix seconds", float64(1600000000), "2020-09-13T12:26:40Z"},
		{"fractional seconds", 1600000000.5, "2020-09-13T12:26:40.5Z"},
		{"numeric string", "1600000000", "2020-09-13T12:26:40Z"},
		{"json number", json.Number("1600000000"), "2020-09-13T12:26:40Z"},
		{"iso", "2020-09-13T12:26:40+02:00", "2020-09-13T10:26:40Z"},
		{"naive iso", "2020-09-13T12:26:40", "2020-09-13T12:26:40Z"},
		{"date", "2020-09-13", "2020-09-13T00:00:00Z"},
		{"garbage passes through", "yesterday", "yesterday"},
		{"missing", nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeTime(tt.in))
		})
	}
}

func TestParseJob(t *testing.T) {
	body := map[string]interface{}{
		"_id":     "resources/J1",
		"_rev":    float64(3),
		"type":    "transcription",
		"service": "target",
		"config": map[string]interface{}{
			"type":          "pdf",
			"pdf":           map[string]interface{}{"_id": "resources/P1"},
			"document-type": "application/vnd.trellisfw.coi.accord.1+json",
			"oada-doc-type": "cois",
		},
		"trading-partner": "tp1",
	}

	job, err := ParseJob("resources/J1", body)
	require.NoError(t, err)
	assert.Equal(t, "resources/J1", job.ID)
	assert.Equal(t, TypeTranscription, job.Type)
	assert.Equal(t, "resources/P1", job.Config.PDF.ID)
	assert.Equal(t, "cois", job.Config.OadaDocType)
	assert.True(t, job.Scoped())
	assert.Equal(t, "tp1", job.Partner())
	assert.Equal(t, "/resources/J1", job.Path())

	_, err = ParseJob("resources/J2", map[string]interface{}{"config": "nope"})
	assert.True(t, errors.IsInvalidRequestError(err))
}

func TestJobBody(t *testing.T) {
	t.Run("plain job", func(t *testing.T) {
		job := &Job{
			Type:    TypeASN,
			Service: "target",
			Config:  Config{Type: "asn", ASN: &Link{ID: "resources/A1"}, ASNKey: "a1"},
		}
		body, err := job.Body()
		require.NoError(t, err)
		assert.Equal(t, "asn", body["type"])
		cfg := body["config"].(map[string]interface{})
		assert.Equal(t, map[string]interface{}{"_id": "resources/A1"}, cfg["asn"])
		assert.Equal(t, "a1", cfg["asnKey"])
		assert.NotContains(t, cfg, "pdf")
		assert.NotContains(t, body, "status")
	})

	t.Run("extra overrides", func(t *testing.T) {
		job := &Job{
			Type:    TypeShare,
			Service: "trellis-shares",
			Extra: map[string]interface{}{
				"config": map[string]interface{}{"src": "/resources/D1"},
			},
		}
		body, err := job.Body()
		require.NoError(t, err)
		assert.Equal(t, map[string]interface{}{"src": "/resources/D1"}, body["config"])
		assert.Equal(t, "trellis-shares", body["service"])
	})
}

func TestUpdateTerminal(t *testing.T) {
	assert.True(t, NewUpdate(StatusSuccess, "").Terminal())
	assert.True(t, NewUpdate(StatusError, "boom").Terminal())
	assert.False(t, NewUpdate(StatusIdentifying, "").Terminal())
	assert.False(t, NewUpdate(StatusIdentified, "").Terminal())
	assert.NotEmpty(t, NewUpdate(StatusSuccess, "").Time)
}
