package jobs

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPayloadRoundTrip(t *testing.T) {
	mask := json.RawMessage(`{"status":{"$eq":"new"}}`)

	payloads := []Payload{
		&DeletePayload{MassAction{Entity: "contacts", SearchMask: mask}},
		&UpdatePayload{
			MassAction: MassAction{Entity: "contacts", SearchMask: mask},
			UpdateData: UpdatePatch{Field: "status", Value: "archived"},
			UserEmail:  "ops@example.com",
		},
		&SubscriptionPayload{
			MassAction:  MassAction{Entity: "contacts", SearchMask: mask},
			IsSubscribe: true,
			ChannelID:   7,
		},
		&AddToListPayload{
			MassAction: MassAction{Entity: "contacts", SearchMask: mask},
			ListField:  "lists",
			ListID:     42,
		},
		&AddToOrganizationPayload{
			MassAction:     MassAction{Entity: "contacts", SearchMask: mask},
			ListField:      "organizations",
			OrganizationID: 9,
		},
		&AddToJourneyPayload{
			MassAction: MassAction{Entity: "contacts", SearchMask: mask},
			ListField:  "journeys",
			ListID:     3,
		},
		&AnonymizePayload{MassAction: MassAction{Entity: "contacts", SearchMask: mask}},
		&ExportPayload{MassAction: MassAction{Entity: "organizations", SearchMask: mask}},
		&ImportCSVPayload{
			Filename:        "leads.csv",
			Entity:          "contacts",
			CSV:             "email\na@b.c\n",
			Mapping:         map[string]string{"email": "email"},
			RequiredColumns: []string{"email"},
			SubscribeAll:    true,
		},
	}

	for _, p := range payloads {
		t.Run(string(p.JobKind()), func(t *testing.T) {
			encoded, err := EncodePayload(p)
			require.NoError(t, err)

			decoded, err := DecodePayload(encoded)
			require.NoError(t, err)

			assert.Equal(t, p.JobKind(), decoded.JobKind())
			assert.Equal(t, p, decoded)
		})
	}
}

func TestDecodePayloadUnknownKind(t *testing.T) {
	_, err := DecodePayload(json.RawMessage(`{"kind":"defragment","payload":{}}`))
	assert.Error(t, err)
}

func TestSearchMaskForwardedVerbatim(t *testing.T) {
	// The filter tree is opaque to the pipeline; arbitrary nesting must
	// survive the envelope untouched.
	mask := json.RawMessage(`{"$or":[{"status":{"$eq":"new"}},{"$and":[{"city":{"$containsi":"ber"}},{"score":{"$gte":10}}]}]}`)
	p := &DeletePayload{MassAction{Entity: "contacts", SearchMask: mask}}

	encoded, err := EncodePayload(p)
	require.NoError(t, err)
	decoded, err := DecodePayload(encoded)
	require.NoError(t, err)

	assert.JSONEq(t, string(mask), string(decoded.(*DeletePayload).SearchMask))
}

func TestKindValid(t *testing.T) {
	for _, k := range AllKinds {
		assert.True(t, k.Valid(), "kind %s", k)
	}
	assert.False(t, Kind("compact").Valid())
	assert.False(t, Kind("").Valid())
}

func TestTerminalStatus(t *testing.T) {
	assert.Equal(t, StatusCompleted, TerminalStatus(10, 0))
	assert.Equal(t, StatusFailed, TerminalStatus(0, 10))
	assert.Equal(t, StatusPartiallyFailed, TerminalStatus(8, 2))
	// Zero records resolved still completes.
	assert.Equal(t, StatusCompleted, TerminalStatus(0, 0))
}

func TestStatusTerminal(t *testing.T) {
	assert.False(t, StatusQueued.Terminal())
	assert.False(t, StatusActive.Terminal())
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusPartiallyFailed.Terminal())
}
