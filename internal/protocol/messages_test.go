package protocol

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/epiwatch/alertstream/internal/domain"
)

func TestDecode_Subscribe(t *testing.T) {
	msg, err := Decode([]byte(`{"kind":"subscribe","group_keys":["risk:high","geo:12:77"]}`))
	require.NoError(t, err)

	assert.Equal(t, KindSubscribe, msg.Kind)
	assert.Equal(t, []string{"risk:high", "geo:12:77"}, msg.GroupKeys)
}

func TestDecode_UpdateFilters(t *testing.T) {
	raw := `{"kind":"update_filters","filters":{"risk_threshold":"high","alert_types":["dengue_outbreak"]}}`
	msg, err := Decode([]byte(raw))
	require.NoError(t, err)

	require.NotNil(t, msg.Filters)
	assert.Equal(t, domain.RiskHigh, msg.Filters.RiskThreshold)
	assert.Equal(t, []string{"dengue_outbreak"}, msg.Filters.AlertTypes)
}

func TestDecode_PongAndGetStats(t *testing.T) {
	for _, kind := range []string{KindPong, KindGetStats} {
		msg, err := Decode([]byte(`{"kind":"` + kind + `"}`))
		require.NoError(t, err)
		assert.Equal(t, kind, msg.Kind)
	}
}

func TestDecode_Malformed(t *testing.T) {
	cases := map[string]string{
		"invalid json":              `{"kind":`,
		"unknown kind":              `{"kind":"dance"}`,
		"missing kind":              `{}`,
		"subscribe without groups":  `{"kind":"subscribe"}`,
		"subscribe empty groups":    `{"kind":"subscribe","group_keys":[]}`,
		"update without filters":    `{"kind":"update_filters"}`,
		"unknown risk threshold":    `{"kind":"update_filters","filters":{"risk_threshold":"apocalyptic"}}`,
		"unsubscribe without group": `{"kind":"unsubscribe"}`,
	}

	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(raw))
			assert.ErrorIs(t, err, domain.ErrMalformedMessage)
		})
	}
}

func TestEncodeAlert(t *testing.T) {
	alert := domain.AlertMessage{
		ID:    uuid.New(),
		Level: domain.RiskCritical,
		Type:  "cholera_outbreak",
		Title: "Cholera cases rising",
	}

	data, err := EncodeAlert(alert)
	require.NoError(t, err)

	var decoded ServerMessage
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, KindAlert, decoded.Kind)
	require.NotNil(t, decoded.Alert)
	assert.Equal(t, alert.ID, decoded.Alert.ID)
	assert.Equal(t, domain.RiskCritical, decoded.Alert.Level)
}

func TestEncode_OmitsEmptyFields(t *testing.T) {
	data, err := Encode(ServerMessage{Kind: KindConnectionEstablished})
	require.NoError(t, err)
	assert.JSONEq(t, `{"kind":"connection_established"}`, string(data))
}
