package nats

import (
	"os"

	natsgo "github.com/nats-io/nats.go"
)

// Connector creates the underlying NATS connection for a Backend.
type Connector func() (*natsgo.Conn, error)

// ConnectURL connects to a fixed URL.
func ConnectURL(natsURL string) Connector {
	return func() (*natsgo.Conn, error) {
		return natsgo.Connect(
			natsURL,
			natsgo.MaxReconnects(3),
		)
	}
}

// ConnectDefault connects to $NATS_URL, falling back to the library
// default URL.
func ConnectDefault() Connector {
	url := os.Getenv("NATS_URL")
	if url == "" {
		url = natsgo.DefaultURL
	}
	return ConnectURL(url)
}
