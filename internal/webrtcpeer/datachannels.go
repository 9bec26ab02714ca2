package webrtcpeer

import (
	"fmt"

	"github.com/pion/webrtc/v4"
)

// DataChannelLabelChat is the label of the single ordered, reliable data
// channel that carries chat envelopes.
const DataChannelLabelChat = "chat"

func createChatDataChannel(pc *webrtc.PeerConnection) (*webrtc.DataChannel, error) {
	ordered := true
	return pc.CreateDataChannel(DataChannelLabelChat, &webrtc.DataChannelInit{Ordered: &ordered})
}

func validateChatDataChannel(dc *webrtc.DataChannel) error {
	if dc.Label() != DataChannelLabelChat {
		return fmt.Errorf("expected label=%q (got %q)", DataChannelLabelChat, dc.Label())
	}
	// Acks assume in-order, fully reliable delivery within one session.
	if !dc.Ordered() {
		return fmt.Errorf("chat datachannel must be ordered (ordered=false)")
	}
	if dc.MaxPacketLifeTime() != nil {
		return fmt.Errorf("chat datachannel must be fully reliable (maxPacketLifeTime must be unset)")
	}
	if dc.MaxRetransmits() != nil {
		return fmt.Errorf("chat datachannel must be fully reliable (maxRetransmits must be unset)")
	}
	return nil
}
