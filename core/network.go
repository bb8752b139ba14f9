// SPDX-License-Identifier: Apache-2.0
package core

// network.go – peer discovery and consensus gossip: a libp2p host with
// gossipsub topics for the ConsensusMessage envelope and for block-sync
// request/reply, plus mdns-based local peer discovery.

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/sirupsen/logrus"
)

const (
	consensusTopic = "irohad/consensus/v1"
	syncTopic      = "irohad/blocksync/v1"
)

// wireMessage is the RLP envelope published on the consensus topic; exactly
// one of its pointer fields is set per message.
type wireMessage struct {
	Kind     uint8
	Proposal []byte // EncodeBlock output
	Vote     []byte // RLP-encoded Vote
}

// SyncRequest asks a peer for every block from From (inclusive) onward.
type SyncRequest struct {
	From uint64
}

// Network owns the libp2p host, pubsub router and peer discovery for one
// node, translating between wire bytes and core/consensus.go's
// ConsensusMessage.
type Network struct {
	host   host.Host
	pubsub *pubsub.PubSub
	topic  *pubsub.Topic
	sub    *pubsub.Subscription

	syncTopicH *pubsub.Topic
	syncSub    *pubsub.Subscription

	mu      sync.Mutex
	onMsg   func(ConsensusMessage, peer.ID)
	onSync  func(SyncRequest, peer.ID)
	log     *logrus.Entry
}

// NetworkConfig mirrors the listen/discovery portion of the peer
// identity and trusted-peer configuration.
type NetworkConfig struct {
	ListenAddr   string
	DiscoveryTag string
}

// NewNetwork starts a libp2p host on cfg.ListenAddr, joins the consensus and
// block-sync pubsub topics, and begins mdns discovery under cfg.DiscoveryTag.
func NewNetwork(ctx context.Context, cfg NetworkConfig, log *logrus.Entry) (*Network, error) {
	h, err := libp2p.New(libp2p.ListenAddrStrings(cfg.ListenAddr))
	if err != nil {
		return nil, fmt.Errorf("core: start libp2p host: %w", err)
	}
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		return nil, fmt.Errorf("core: start gossipsub: %w", err)
	}
	topic, err := ps.Join(consensusTopic)
	if err != nil {
		return nil, fmt.Errorf("core: join consensus topic: %w", err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		return nil, err
	}
	syncT, err := ps.Join(syncTopic)
	if err != nil {
		return nil, fmt.Errorf("core: join sync topic: %w", err)
	}
	syncSub, err := syncT.Subscribe()
	if err != nil {
		return nil, err
	}

	n := &Network{host: h, pubsub: ps, topic: topic, sub: sub, syncTopicH: syncT, syncSub: syncSub, log: log}

	svc := mdns.NewMdnsService(h, cfg.DiscoveryTag, n)
	if err := svc.Start(); err != nil {
		return nil, fmt.Errorf("core: start mdns discovery: %w", err)
	}

	go n.readConsensusLoop(ctx)
	go n.readSyncLoop(ctx)
	return n, nil
}

// HandlePeerFound implements mdns.Notifee, dialing newly discovered peers.
func (n *Network) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == n.host.ID() {
		return
	}
	if err := n.host.Connect(context.Background(), pi); err != nil && n.log != nil {
		n.log.WithError(err).WithField("peer", pi.ID.String()).Debug("failed to dial discovered peer")
	}
}

// PeerCount reports how many peers the host is currently connected to.
func (n *Network) PeerCount() int {
	return len(n.host.Network().Peers())
}

// OnMessage registers the callback invoked for every consensus message
// received from the network (proposals and votes).
func (n *Network) OnMessage(fn func(ConsensusMessage, peer.ID)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onMsg = fn
}

// OnSyncRequest registers the callback invoked for block-sync requests.
func (n *Network) OnSyncRequest(fn func(SyncRequest, peer.ID)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onSync = fn
}

// Broadcast publishes msg to every peer subscribed to the consensus topic;
// assignable directly as core/consensus.go's Engine.Broadcast.
func (n *Network) Broadcast(msg ConsensusMessage) {
	wire, err := encodeWireMessage(msg)
	if err != nil {
		if n.log != nil {
			n.log.WithError(err).Warn("failed to encode consensus message for broadcast")
		}
		return
	}
	if err := n.topic.Publish(context.Background(), wire); err != nil && n.log != nil {
		n.log.WithError(err).Warn("failed to publish consensus message")
	}
}

// RequestSync broadcasts a block-sync request for blocks from `from` onward;
// peers answer with MsgCommitted messages carrying the certified blocks,
// which the driver verifies and commits in order.
func (n *Network) RequestSync(from uint64) error {
	raw, err := rlp.EncodeToBytes(&SyncRequest{From: from})
	if err != nil {
		return err
	}
	return n.syncTopicH.Publish(context.Background(), raw)
}

func (n *Network) readConsensusLoop(ctx context.Context) {
	for {
		msg, err := n.sub.Next(ctx)
		if err != nil {
			return
		}
		if msg.ReceivedFrom == n.host.ID() {
			continue
		}
		cm, err := decodeWireMessage(msg.Data)
		if err != nil {
			if n.log != nil {
				n.log.WithError(err).Warn("dropping malformed consensus message")
			}
			continue
		}
		n.mu.Lock()
		cb := n.onMsg
		n.mu.Unlock()
		if cb != nil {
			cb(cm, msg.ReceivedFrom)
		}
	}
}

func (n *Network) readSyncLoop(ctx context.Context) {
	for {
		msg, err := n.syncSub.Next(ctx)
		if err != nil {
			return
		}
		if msg.ReceivedFrom == n.host.ID() {
			continue
		}
		var req SyncRequest
		if err := rlp.DecodeBytes(msg.Data, &req); err != nil {
			continue
		}
		n.mu.Lock()
		cb := n.onSync
		n.mu.Unlock()
		if cb != nil {
			cb(req, msg.ReceivedFrom)
		}
	}
}

func encodeWireMessage(msg ConsensusMessage) ([]byte, error) {
	w := wireMessage{Kind: uint8(msg.Kind)}
	if msg.Proposal != nil {
		b, err := EncodeBlock(msg.Proposal)
		if err != nil {
			return nil, err
		}
		w.Proposal = b
	}
	if msg.Vote != nil {
		b, err := rlp.EncodeToBytes(msg.Vote)
		if err != nil {
			return nil, err
		}
		w.Vote = b
	}
	return rlp.EncodeToBytes(&w)
}

func decodeWireMessage(data []byte) (ConsensusMessage, error) {
	var w wireMessage
	if err := rlp.DecodeBytes(data, &w); err != nil {
		return ConsensusMessage{}, fmt.Errorf("%w: %v", ErrMalformedWire, err)
	}
	cm := ConsensusMessage{Kind: ConsensusMessageKind(w.Kind)}
	if len(w.Proposal) > 0 {
		b, err := DecodeBlock(w.Proposal)
		if err != nil {
			return ConsensusMessage{}, err
		}
		cm.Proposal = b
	}
	if len(w.Vote) > 0 {
		var v Vote
		if err := rlp.DecodeBytes(w.Vote, &v); err != nil {
			return ConsensusMessage{}, fmt.Errorf("%w: %v", ErrMalformedWire, err)
		}
		cm.Vote = &v
	}
	return cm, nil
}

// Close shuts the host down, terminating all subscriptions.
func (n *Network) Close() error {
	n.sub.Cancel()
	n.syncSub.Cancel()
	return n.host.Close()
}
