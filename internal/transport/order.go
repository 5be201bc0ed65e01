package transport

import "github.com/mossy-p/mesh-signaling/internal/models"

// orderBuffered regroups signals captured during the buffering window. Senders
// keep the order of their first appearance; each sender's offers come first,
// then answers, then ICE candidates in arrival order. A candidate applied
// before its description is rejected by the peer connection, and the pub/sub
// channel does not preserve that causal order on its own.
func orderBuffered(signals []models.Signal) []models.Signal {
	if len(signals) < 2 {
		return signals
	}

	var senders []string
	bySender := make(map[string][]models.Signal)
	for _, sig := range signals {
		if _, ok := bySender[sig.From]; !ok {
			senders = append(senders, sig.From)
		}
		bySender[sig.From] = append(bySender[sig.From], sig)
	}

	ordered := make([]models.Signal, 0, len(signals))
	for _, sender := range senders {
		group := bySender[sender]
		for _, kind := range []models.SignalType{
			models.SignalTypeOffer,
			models.SignalTypeAnswer,
			models.SignalTypeICECandidate,
		} {
			for _, sig := range group {
				if sig.Type == kind {
					ordered = append(ordered, sig)
				}
			}
		}
	}
	return ordered
}
