package mq

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func mustRoundTrip(t *testing.T, msg *Message) Message {
	t.Helper()
	body, err := json.Marshal(msg)
	require.NoError(t, err)

	var out Message
	require.NoError(t, json.Unmarshal(body, &out))
	return out
}
