package delivery

import "github.com/4xmen/novachat/internal/ai"

// Peer is the resolved recipient of a message: either a person or the AI
// assistant. Resolution happens once per send.
type Peer interface {
	PeerID() int
	peer()
}

type HumanPeer struct {
	ID int
}

func (p HumanPeer) PeerID() int { return p.ID }
func (HumanPeer) peer()         {}

type AIPeer struct {
	ID        int
	Responder ai.Responder
}

func (p AIPeer) PeerID() int { return p.ID }
func (AIPeer) peer()         {}

// PeerResolver maps user IDs to peers. The zero value treats everyone as human.
type PeerResolver struct {
	aiPeerID  int
	responder ai.Responder
}

// NewPeerResolver designates aiPeerID as the assistant. An ID of zero or a
// nil responder disables it.
func NewPeerResolver(aiPeerID int, responder ai.Responder) PeerResolver {
	if aiPeerID <= 0 || responder == nil {
		return PeerResolver{}
	}
	return PeerResolver{aiPeerID: aiPeerID, responder: responder}
}

func (r PeerResolver) Resolve(userID int) Peer {
	if r.aiPeerID > 0 && userID == r.aiPeerID {
		return AIPeer{ID: userID, Responder: r.responder}
	}
	return HumanPeer{ID: userID}
}
