package p2p

// Message is a message delivered through the network.
type Message struct {
	PeerID  string
	Content interface{}
}

// MessageHandler interface
type MessageHandler interface {

	// HandleMessage handles the message received from the peer with peerID
	HandleMessage(peerID string, message Message)
}

// Network is a handle to the P2P network
type Network interface {

	// Broadcast broadcasts the given message to all the neighboring peers
	Broadcast(message Message) error

	// Send sends the given message to the peer specified by the peerID
	Send(peerID string, message Message) error

	// AddMessageHandler adds message handler for the network
	AddMessageHandler(messageHandler MessageHandler)

	// ID returns the ID of the network peer
	ID() string
}
