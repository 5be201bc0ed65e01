package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mossy-p/mesh-signaling/internal/models"
)

func sigOf(kind models.SignalType, from, data string) models.Signal {
	return models.Signal{Type: kind, From: from, To: "self", RoomID: "R1", Data: []byte(`"` + data + `"`)}
}

func labels(signals []models.Signal) []string {
	out := make([]string, len(signals))
	for i, s := range signals {
		out[i] = string(s.Data)
	}
	return out
}

func TestOrderBufferedSingleSender(t *testing.T) {
	in := []models.Signal{
		sigOf(models.SignalTypeICECandidate, "a", "ice1"),
		sigOf(models.SignalTypeAnswer, "a", "answer"),
		sigOf(models.SignalTypeICECandidate, "a", "ice2"),
		sigOf(models.SignalTypeOffer, "a", "offer"),
	}
	assert.Equal(t,
		[]string{`"offer"`, `"answer"`, `"ice1"`, `"ice2"`},
		labels(orderBuffered(in)))
}

func TestOrderBufferedGroupsBySender(t *testing.T) {
	in := []models.Signal{
		sigOf(models.SignalTypeICECandidate, "b", "b-ice1"),
		sigOf(models.SignalTypeICECandidate, "a", "a-ice1"),
		sigOf(models.SignalTypeOffer, "a", "a-offer"),
		sigOf(models.SignalTypeOffer, "b", "b-offer"),
		sigOf(models.SignalTypeICECandidate, "b", "b-ice2"),
	}
	assert.Equal(t,
		[]string{`"b-offer"`, `"b-ice1"`, `"b-ice2"`, `"a-offer"`, `"a-ice1"`},
		labels(orderBuffered(in)))
}

func TestOrderBufferedTrivial(t *testing.T) {
	assert.Empty(t, orderBuffered(nil))
	one := []models.Signal{sigOf(models.SignalTypeICECandidate, "a", "x")}
	assert.Equal(t, one, orderBuffered(one))
}

func TestBackoffDelay(t *testing.T) {
	base := DefaultOptions().ConnectBackoff
	assert.Equal(t, base, backoffDelay(base, 1))
	assert.Equal(t, 2*base, backoffDelay(base, 2))
	assert.Equal(t, 4*base, backoffDelay(base, 3))
	assert.Zero(t, backoffDelay(base, 0))
}
