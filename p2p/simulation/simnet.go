package simulation

import (
	"time"

	"github.com/spf13/viper"

	"github.com/veilmesh/veilmesh/common"
	"github.com/veilmesh/veilmesh/p2p"
)

// Envelope wraps a message with network information for delivery.
type Envelope struct {
	From    string
	To      string
	Content interface{}
}

// Simnet represents an instance of simluated network.
type Simnet struct {
	Endpoints []*SimnetEndpoint
	messages  chan Envelope
}

// NewSimnet creates a new instance of Simnet.
func NewSimnet() *Simnet {
	return &Simnet{
		messages: make(chan Envelope, viper.GetInt(common.CfgP2PMessageQueueSize)),
	}
}

// AddEndpoint adds an endpoint with given ID to the Simnet instance.
func (sn *Simnet) AddEndpoint(id string) *SimnetEndpoint {
	endpoint := &SimnetEndpoint{
		id:       id,
		network:  sn,
		incoming: make(chan Envelope, viper.GetInt(common.CfgP2PMessageQueueSize)),
	}
	sn.Endpoints = append(sn.Endpoints, endpoint)
	return endpoint
}

// Start starts all endpoints and a goroutine to handle message delivery.
func (sn *Simnet) Start() {
	for _, endpoint := range sn.Endpoints {
		endpoint.Start()
	}

	go func() {
		for envelope := range sn.messages {
			time.Sleep(1 * time.Microsecond)
			for _, endpoint := range sn.Endpoints {
				// Allow broadcast/send to self
				if envelope.To == "" || envelope.To == endpoint.ID() {
					go func(endpoint *SimnetEndpoint, envelope Envelope) {
						endpoint.incoming <- envelope
					}(endpoint, envelope)
				}
			}
		}
	}()
}

// SimnetEndpoint is the implementation of the Network interface for Simnet.
type SimnetEndpoint struct {
	id       string
	network  *Simnet
	handlers []p2p.MessageHandler
	incoming chan Envelope
}

var _ p2p.Network = (*SimnetEndpoint)(nil)

// Start starts a goroutine to receive messages from the network.
func (se *SimnetEndpoint) Start() {
	go func() {
		for envelope := range se.incoming {
			if envelope.To == "" || envelope.To == se.ID() {
				se.handleMessage(envelope)
			}
		}
	}()
}

// Broadcast implements the Network interface.
func (se *SimnetEndpoint) Broadcast(message p2p.Message) error {
	go func() {
		se.network.messages <- Envelope{From: se.ID(), Content: message.Content}
	}()
	return nil
}

// Send implements the Network interface.
func (se *SimnetEndpoint) Send(peerID string, message p2p.Message) error {
	go func() {
		se.network.messages <- Envelope{From: se.ID(), To: peerID, Content: message.Content}
	}()
	return nil
}

// AddMessageHandler implements the Network interface.
func (se *SimnetEndpoint) AddMessageHandler(handler p2p.MessageHandler) {
	se.handlers = append(se.handlers, handler)
}

// ID implements the Network interface.
func (se *SimnetEndpoint) ID() string {
	return se.id
}

func (se *SimnetEndpoint) handleMessage(envelope Envelope) {
	msg := p2p.Message{PeerID: envelope.From, Content: envelope.Content}
	for _, handler := range se.handlers {
		handler.HandleMessage(envelope.From, msg)
	}
}
