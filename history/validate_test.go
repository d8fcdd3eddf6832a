package history_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/backwardn/nomulus/history"
)

func TestType_EveryVariantIsClassified(t *testing.T) {
	// Every switch over Type panics on an unhandled variant, so walking
	// the full set proves the switches are exhaustive.
	for _, typ := range history.Types() {
		assert.NotPanics(t, func() {
			_ = typ.ResourceKind()
			_ = typ.IsTermBearing()
			_ = typ.IsTransferClass()
		}, typ.String())

		parsed, err := history.ParseType(typ.String())
		require.NoError(t, err)
		assert.Equal(t, typ, parsed)
	}

	_, err := history.ParseType("DOMAIN_FROBNICATE")
	assert.ErrorIs(t, err, history.ErrInvalidEntry)
}

func TestType_JSONUsesName(t *testing.T) {
	b, err := json.Marshal(history.HistoryEntry{Type: history.DomainTransferServerApprove})
	require.NoError(t, err)
	assert.Contains(t, string(b), `"type":"DOMAIN_TRANSFER_SERVER_APPROVE"`)
}

func TestValidate_PeriodPresentIffTermBearing(t *testing.T) {
	create := history.HistoryEntry{
		Parent:           exampleTLD,
		Type:             history.DomainCreate,
		ActorRegistrarID: "registrar-a",
	}
	assert.ErrorIs(t, history.Validate(create), history.ErrInvalidEntry, "create without a period")

	create.Period = history.Years(2)
	assert.NoError(t, history.Validate(create))

	upd := update(exampleTLD, "registrar-a")
	upd.Period = history.Years(1)
	err := history.Validate(upd)
	var ve *history.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "period", ve.Field)

	create.Period = history.Years(11)
	assert.Error(t, history.Validate(create), "terms above ten years are rejected")
}

func TestValidate_TransferRulesAndAutomaticEntries(t *testing.T) {
	req := history.HistoryEntry{
		Parent:           exampleTLD,
		Type:             history.DomainTransferRequest,
		Period:           history.Years(1),
		ActorRegistrarID: "gaining",
	}
	assert.Error(t, history.Validate(req), "transfer entries name the other party")

	req.CounterpartRegistrarID = "losing"
	assert.NoError(t, history.Validate(req))

	server := history.HistoryEntry{
		Parent:                 exampleTLD,
		Type:                   history.DomainTransferServerApprove,
		Period:                 history.Years(1),
		ActorRegistrarID:       "losing",
		CounterpartRegistrarID: "gaining",
		Trid:                   &history.Trid{ClientID: "c", ServerID: "s"},
	}
	assert.Error(t, history.Validate(server), "server approvals have no transaction ids")
	server.Trid = nil
	assert.NoError(t, history.Validate(server))
}

func TestValidate_KindMustMatch(t *testing.T) {
	host := history.ResourceRef{Kind: history.KindHost, ID: "ns1.example.tld"}
	e := update(host, "registrar-a")
	assert.ErrorIs(t, history.Validate(e), history.ErrInvalidEntry)

	e.Type = history.Synthetic
	assert.NoError(t, history.Validate(e), "synthetic entries apply to any kind")
}

func TestResourceRef_Parse(t *testing.T) {
	ref, err := history.ParseResourceRef("domain/example.tld")
	require.NoError(t, err)
	assert.Equal(t, exampleTLD, ref)
	assert.Equal(t, "tld", ref.TLD())

	_, err = history.ParseResourceRef("zone/example.tld")
	assert.Error(t, err)
}
