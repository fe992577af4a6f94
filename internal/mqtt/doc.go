// Package mqtt subscribes to a broker on behalf of the trigger engine's
// mqtt signal source (C6). It owns connection lifecycle (via Eclipse
// Paho's autopaho reconnect manager) and topic-filter dispatch; it does
// not publish anything.
package mqtt
