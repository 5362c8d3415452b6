package app

import (
	"fmt"

	"github.com/nhle/mailwatch/internal/logging"
	"github.com/nhle/mailwatch/internal/mailbox"
	"github.com/nhle/mailwatch/internal/model"
	"github.com/nhle/mailwatch/internal/parser"
	"github.com/nhle/mailwatch/internal/watch"
)

// newWatcher builds the IMAP session and watcher for a consumer, loading
// its password from the keyring when the config has none.
func (a *App) newWatcher(c model.ConsumerConfig) (*watch.Watcher, error) {
	mb := c.Mailbox
	if mb.Password == "" {
		if a.creds == nil {
			return nil, fmt.Errorf("consumer %q: no password configured", c.ID)
		}
		resolved, err := a.creds.ResolvePassword(c)
		if err != nil {
			return nil, err
		}
		mb = resolved
	}

	log := logging.ForConsumer(a.log, c.ID, "watcher")
	session := mailbox.NewIMAPSession(mb, logging.ForConsumer(a.log, c.ID, "imap"))

	return watch.New(
		watch.ConfigFrom(c, a.cfg.Watch),
		session,
		a.store,
		a.notifier,
		watch.WithLogger(log),
		watch.WithParser(parser.New(a.cfg.Watch.PreviewLength)),
	), nil
}
