package externalmessage_test

import (
	"testing"

	"github.com/jimmy777/ditto-connectivity/pkg/externalmessage"
	"github.com/stretchr/testify/assert"
)

func TestHeaders_CaseInsensitive(t *testing.T) {
	h := externalmessage.NewHeaders()
	h.Set("Content-Type", "application/json")
	assert.Equal(t, "application/json", h.Get("content-type"))
	assert.Equal(t, "application/json", h.Get("CONTENT-TYPE"))
}

func TestAggregate_StatusIsMaxOfChildren(t *testing.T) {
	agg := externalmessage.NewAggregate("thing:my-thing", "corr-1")
	agg.Add(externalmessage.AcknowledgementEnvelope{Label: "live-response", Status: 200})
	agg.Add(externalmessage.AcknowledgementEnvelope{Label: "foo:bar", Status: 400})

	assert.Equal(t, 400, agg.Status())
}

func TestAggregate_StatusDefaultsTo200WhenEmpty(t *testing.T) {
	agg := externalmessage.NewAggregate("thing:my-thing", "corr-1")
	assert.Equal(t, 200, agg.Status())
}

func TestAggregate_CompleteAndFillTimeouts(t *testing.T) {
	agg := externalmessage.NewAggregate("thing:my-thing", "corr-1")
	agg.Add(externalmessage.AcknowledgementEnvelope{Label: "live-response", Status: 200})

	requested := []externalmessage.AcknowledgementLabel{"live-response", "foo:bar"}
	assert.False(t, agg.Complete(requested))

	agg.FillTimeouts(requested)
	assert.True(t, agg.Complete(requested))
	assert.Equal(t, 408, agg.Envelopes["foo:bar"].Status)
}

func TestAggregate_EnvelopesUniqueByLabel(t *testing.T) {
	agg := externalmessage.NewAggregate("thing:my-thing", "corr-1")
	agg.Add(externalmessage.AcknowledgementEnvelope{Label: "live-response", Status: 200})
	agg.Add(externalmessage.AcknowledgementEnvelope{Label: "live-response", Status: 500})

	assert.Len(t, agg.Envelopes, 1)
	assert.Equal(t, 500, agg.Envelopes["live-response"].Status)
}
