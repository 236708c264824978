package messageapi

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStringContent(t *testing.T) {
	body := []byte(`{"model":"claude-3-opus-20240229","max_tokens":8192,"messages":[{"role":"user","content":"hi"}]}`)
	f, err := Parse(body)
	require.NoError(t, err)

	assert.Equal(t, "claude-3-opus-20240229", f.Model)
	assert.Equal(t, 8192, f.MaxTokens)
	assert.Equal(t, 1, f.MessageCount)
	assert.False(t, f.HasTools)
	assert.False(t, f.HasVision)
	assert.Equal(t, 2, f.ApproxChars)
}

func TestParseBlockContentWithVision(t *testing.T) {
	body := []byte(`{"model":"m","max_tokens":100,"messages":[
		{"role":"user","content":[
			{"type":"text","text":"describe this"},
			{"type":"image","source":{"type":"base64","media_type":"image/png","data":"AAAA"}}
		]}
	]}`)
	f, err := Parse(body)
	require.NoError(t, err)

	assert.True(t, f.HasVision)
	assert.Equal(t, 1, f.ImageCount)
	assert.Equal(t, len("describe this"), f.ApproxChars)
}

func TestParseSystemVariants(t *testing.T) {
	str := []byte(`{"model":"m","max_tokens":1,"system":"be brief","messages":[{"role":"user","content":"x"}]}`)
	f, err := Parse(str)
	require.NoError(t, err)
	assert.Equal(t, len("be brief"), f.SystemLength)

	blocks := []byte(`{"model":"m","max_tokens":1,"system":[{"type":"text","text":"be brief"}],"messages":[{"role":"user","content":"x"}]}`)
	f, err = Parse(blocks)
	require.NoError(t, err)
	assert.Equal(t, len("be brief"), f.SystemLength)
}

func TestParseRejectsMissingModel(t *testing.T) {
	_, err := Parse([]byte(`{"max_tokens":1,"messages":[{"role":"user","content":"x"}]}`))
	assert.Error(t, err)
}

func TestEstimateTokens(t *testing.T) {
	f := &Features{ApproxChars: 400, MaxTokens: 1000, ImageCount: 2, ToolCount: 1}
	// 100 prompt tokens + 1000 output + 2*260 image + 50 tool
	assert.Equal(t, 100+1000+520+50, f.EstimateTokens())
}

func TestReplaceModelPreservesBody(t *testing.T) {
	body := []byte(`{"model":"client-model","max_tokens":5,"stream":true,"messages":[{"role":"user","content":"hi"}],"temperature":0.5}`)
	out, err := ReplaceModel(body, "provider-model")
	require.NoError(t, err)

	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(out, &m))
	assert.Equal(t, "provider-model", m["model"])
	assert.Equal(t, float64(5), m["max_tokens"])
	assert.Equal(t, true, m["stream"])
	assert.Equal(t, 0.5, m["temperature"])
}
