package client

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type tokenLine struct {
	Token string `json:"token"`
}

func TestStreamNDJSONDecodesEachLine(t *testing.T) {
	body := "{\"token\":\"hel\"}\n{\"token\":\"lo\"}\n"
	var got []string
	err := StreamNDJSON(strings.NewReader(body), func(v tokenLine) error {
		got = append(got, v.Token)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"hel", "lo"}, got)
}

func TestStreamNDJSONDecodesTrailingLineWithoutNewline(t *testing.T) {
	body := "{\"token\":\"hel\"}\n{\"token\":\"lo\"}"
	var got []string
	err := StreamNDJSON(strings.NewReader(body), func(v tokenLine) error {
		got = append(got, v.Token)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"hel", "lo"}, got)
}

func TestStreamNDJSONSkipsBlankLines(t *testing.T) {
	body := "{\"token\":\"hel\"}\n\n{\"token\":\"lo\"}\n"
	var got []string
	err := StreamNDJSON(strings.NewReader(body), func(v tokenLine) error {
		got = append(got, v.Token)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"hel", "lo"}, got)
}

func TestStreamSSEExtractsDataLines(t *testing.T) {
	body := "event: token\ndata: hello\n\ndata: world\n"
	var got []string
	err := StreamSSE(strings.NewReader(body), func(v string) error {
		got = append(got, v)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"hello", "world"}, got)
}

func TestStreamSSEJSONDecodesPayload(t *testing.T) {
	body := "data: {\"token\":\"hi\"}\n"
	var got []tokenLine
	err := StreamSSEJSON(strings.NewReader(body), func(v tokenLine) error {
		got = append(got, v)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "hi", got[0].Token)
}
