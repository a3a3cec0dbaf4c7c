package cache

import "fmt"

// KeyBuilder generates namespaced Redis keys. Namespacing by chain and
// wallet keeps several submitters on one Redis instance from trampling
// each other's nonces.
type KeyBuilder struct {
	ChainID string
	Wallet  string
}

// NewKeyBuilder creates a KeyBuilder for one chain/wallet pair.
func NewKeyBuilder(chainID, wallet string) KeyBuilder {
	return KeyBuilder{ChainID: chainID, Wallet: wallet}
}

// Nonce returns the key holding the last nonce used for a topic.
func (kb KeyBuilder) Nonce(topicID uint64) string {
	return fmt.Sprintf("%s:%s:nonce:%d", kb.ChainID, kb.Wallet, topicID)
}

// TopicState returns the key holding the last evaluated topic state.
func (kb KeyBuilder) TopicState(topicID uint64) string {
	return fmt.Sprintf("%s:%s:topic:%d:state", kb.ChainID, kb.Wallet, topicID)
}

// Heartbeat returns the key for a component's liveness beacon.
func (kb KeyBuilder) Heartbeat(component string) string {
	return fmt.Sprintf("%s:%s:heartbeat:%s", kb.ChainID, kb.Wallet, component)
}

// WindowParams returns the key caching fetched chain window parameters.
func (kb KeyBuilder) WindowParams(topicID uint64) string {
	return fmt.Sprintf("%s:%s:topic:%d:window_params", kb.ChainID, kb.Wallet, topicID)
}
