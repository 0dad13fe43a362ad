package commands

import (
	"context"
	"fmt"

	"github.com/haivivi/pushtalk/pkg/cli"
	"github.com/haivivi/pushtalk/pkg/eventlog"
	"github.com/haivivi/pushtalk/pkg/identity"
	"github.com/haivivi/pushtalk/pkg/relay"
)

// client bundles what talk and listen share: the context, the identity,
// the event history and a started session.
type client struct {
	ctx     *cli.Context
	id      *identity.Identity
	log     *eventlog.Log
	session *relay.Session

	closeLog func() error
}

// dial resolves the context, loads the identity and event history, and
// builds a session that records every inbound event. The session is not
// started.
func dial(ctx context.Context) (*client, error) {
	c, err := getContext()
	if err != nil {
		return nil, err
	}
	codec, err := c.Codec()
	if err != nil {
		return nil, fmt.Errorf("context %s: %w", c.Name, err)
	}
	id, err := loadIdentity(ctx)
	if err != nil {
		return nil, err
	}
	log, closeLog, err := openEventLog(c)
	if err != nil {
		return nil, err
	}
	session, err := relay.NewSession(relay.Options{
		URL:       c.RelayURL,
		Codec:     codec,
		Author:    id.PublicKey(),
		Reconnect: c.Reconnect,
	})
	if err != nil {
		closeLog()
		return nil, err
	}
	session.AddListener(log.Observe)
	return &client{ctx: c, id: id, log: log, session: session, closeLog: closeLog}, nil
}

// Close stops the session and closes the event history.
func (c *client) Close() {
	c.session.Stop()
	c.closeLog()
}
